// Package dial provides the dialers used to open transport connections to a DQP server.
package dial

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// DialerOptions contains optional parameters that might be used by a Dialer.
type DialerOptions struct {
	Timeout, TCPKeepAlive time.Duration
	TCPKeepAliveConfig    net.KeepAliveConfig
}

// The Dialer interface needs to be implemented by custom Dialers. A Dialer for providing a custom transport
// connection to the server can be set in the driver.Connector object.
type Dialer interface {
	DialContext(ctx context.Context, address string, options DialerOptions) (net.Conn, error)
}

// DefaultDialer is the default Dialer implementation preferring tcp4 over tcp6 connections.
var DefaultDialer Dialer = &tcp4PrefDialer{}

func netDialer(options DialerOptions) *net.Dialer {
	return &net.Dialer{Timeout: options.Timeout, KeepAlive: options.TCPKeepAlive, KeepAliveConfig: options.TCPKeepAliveConfig}
}

type tcp4PrefDialer struct{}

func (d *tcp4PrefDialer) DialContext(ctx context.Context, address string, options DialerOptions) (net.Conn, error) {
	dialer := netDialer(options)
	if conn, err := dialer.DialContext(ctx, "tcp4", address); err == nil {
		return conn, nil
	}
	return dialer.DialContext(ctx, "tcp", address)
}

// TLS wraps a dialer and performs a TLS client handshake on the dialed connection.
type TLS struct {
	Dialer Dialer
	Config *tls.Config
}

// DialContext implements the Dialer interface.
func (d *TLS) DialContext(ctx context.Context, address string, options DialerOptions) (net.Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = DefaultDialer
	}
	conn, err := dialer.DialContext(ctx, address, options)
	if err != nil {
		return nil, err
	}
	config := d.Config.Clone()
	if config == nil {
		config = &tls.Config{}
	}
	if config.ServerName == "" {
		if host, _, err := net.SplitHostPort(address); err == nil {
			config.ServerName = host
		}
	}
	tlsConn := tls.Client(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}
