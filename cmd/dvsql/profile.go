package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dbvirt/go-dbvirt/driver"
	"github.com/dbvirt/go-dbvirt/proxy"
)

type tlsProfile struct {
	ServerName         string   `toml:"server_name"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify"`
	RootCAFiles        []string `toml:"root_ca_files"`
}

type proxyProfile struct {
	Address  string `toml:"address"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// profile holds the connection parameters read from a TOML file.
type profile struct {
	Address         string            `toml:"address"`
	VDB             string            `toml:"vdb"`
	User            string            `toml:"user"`
	Password        string            `toml:"password"`
	ApplicationName string            `toml:"application_name"`
	FetchSize       int               `toml:"fetch_size"`
	Timeout         time.Duration     `toml:"timeout"`
	QueryTimeout    time.Duration     `toml:"query_timeout"`
	Compress        bool              `toml:"compress"`
	SQLTrace        bool              `toml:"sql_trace"`
	Properties      map[string]string `toml:"properties"`
	TLS             *tlsProfile       `toml:"tls"`
	Proxy           *proxyProfile     `toml:"proxy"`
}

var errIncompleteProfile = errors.New("profile: address and vdb are required")

func decodeProfile(md toml.MetaData, p *profile) (*profile, error) {
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("profile: unknown keys %s", strings.Join(keys, ", "))
	}
	if p.Address == "" || p.VDB == "" {
		return nil, errIncompleteProfile
	}
	return p, nil
}

// loadProfile reads the profile file at path.
func loadProfile(path string) (*profile, error) {
	p := &profile{}
	md, err := toml.DecodeFile(path, p)
	if err != nil {
		return nil, err
	}
	return decodeProfile(md, p)
}

// parseProfile parses a profile from its TOML text.
func parseProfile(data string) (*profile, error) {
	p := &profile{}
	md, err := toml.Decode(data, p)
	if err != nil {
		return nil, err
	}
	return decodeProfile(md, p)
}

// connector returns a connector configured by the profile.
func (p *profile) connector() (*driver.Connector, error) {
	c := driver.NewBasicAuthConnector(p.Address, p.VDB, p.User, p.Password)
	if p.ApplicationName != "" {
		c.SetApplicationName(p.ApplicationName)
	}
	if p.FetchSize > 0 {
		c.SetFetchSize(p.FetchSize)
	}
	if p.Timeout > 0 {
		c.SetTimeout(p.Timeout)
	}
	c.SetQueryTimeout(p.QueryTimeout)
	c.SetCompress(p.Compress)
	c.SetSQLTrace(p.SQLTrace)
	for k, v := range p.Properties {
		c.SetExecutionProperty(k, v)
	}
	if p.Proxy != nil {
		c.SetDialer(proxy.NewDialer(proxy.Config{Address: p.Proxy.Address, User: p.Proxy.User, Password: p.Proxy.Password}, nil))
	}
	if p.TLS != nil {
		if err := c.SetTLS(p.TLS.ServerName, p.TLS.InsecureSkipVerify, p.TLS.RootCAFiles...); err != nil {
			return nil, err
		}
	}
	return c, nil
}
