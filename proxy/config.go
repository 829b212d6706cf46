// Package proxy provides a SOCKS5 dialer to reach a DQP server through a proxy.
package proxy

// Config holds proxy connection parameters.
type Config struct {
	Address  string // host:port of the SOCKS5 proxy.
	User     string // optional, enables username/password authentication.
	Password string
}
