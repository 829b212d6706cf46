package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/dbvirt/go-dbvirt/driver/dial"
)

const (
	version5 = 0x05
	// address types
	addrTypeIPv4 = 0x01
	addrTypeFQDN = 0x03
	addrTypeIPv6 = 0x04

	cmdConnect = 0x01

	authNotRequired    = 0x00
	authBasic          = 0x02
	authNoneAcceptable = 0xff

	authBasicVersion = 0x01
	authReplySuccess = 0x00
)

// reply codes
var replyTexts = map[byte]string{
	0x00: "succeeded",
	0x01: "general SOCKS server failure",
	0x02: "connection not allowed by ruleset",
	0x03: "network unreachable",
	0x04: "host unreachable",
	0x05: "connection refused",
	0x06: "TTL expired",
	0x07: "command not supported",
	0x08: "address type not supported",
}

func replyText(code byte) string {
	if text, ok := replyTexts[code]; ok {
		return text
	}
	return "unknown code " + strconv.Itoa(int(code))
}

// A Dialer opens connections to a target server via a SOCKS5 proxy.
type Dialer struct {
	config  Config
	forward dial.Dialer
	methods []byte
}

var _ dial.Dialer = (*Dialer)(nil)

// NewDialer creates a Dialer connecting to the proxy with forward (dial.DefaultDialer if nil).
func NewDialer(config Config, forward dial.Dialer) *Dialer {
	if forward == nil {
		forward = dial.DefaultDialer
	}
	d := &Dialer{config: config, forward: forward, methods: []byte{authNotRequired}}
	if config.User != "" {
		d.methods = append(d.methods, authBasic)
	}
	return d
}

// DialContext implements the dial.Dialer interface.
func (d *Dialer) DialContext(ctx context.Context, address string, options dial.DialerOptions) (net.Conn, error) {
	conn, err := d.forward.DialContext(ctx, d.config.Address, options)
	if err != nil {
		return nil, err
	}
	if err := d.connect(ctx, conn, address); err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy %s: %w", d.config.Address, err)
	}
	return conn, nil
}

// connect performs the SOCKS5 handshake.
func (d *Dialer) connect(ctx context.Context, conn net.Conn, address string) error {
	host, port, err := splitHostPort(address)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	// method selection: VER NMETHODS METHODS
	b := make([]byte, 0, 6+len(host))
	b = append(b, version5, byte(len(d.methods)))
	b = append(b, d.methods...)
	if _, err := conn.Write(b); err != nil {
		return ctxErr(ctx, err)
	}
	// VER METHOD
	if _, err := io.ReadFull(conn, b[:2]); err != nil {
		return ctxErr(ctx, err)
	}
	if b[0] != version5 {
		return fmt.Errorf("unexpected SOCKS version %d - expected %d", b[0], version5)
	}
	if err := d.authenticate(conn, b[1]); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	// request: VER CMD RSV ATYP DST.ADDR DST.PORT
	b = append(b[:0], version5, cmdConnect, 0)
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			b = append(b, addrTypeIPv4)
			b = append(b, ip4...)
		} else {
			b = append(b, addrTypeIPv6)
			b = append(b, ip.To16()...)
		}
	} else {
		if len(host) > 255 {
			return errors.New("hostname cannot exceed 255 bytes")
		}
		b = append(b, addrTypeFQDN, byte(len(host)))
		b = append(b, host...)
	}
	b = append(b, byte(port>>8), byte(port))
	if _, err := conn.Write(b); err != nil {
		return ctxErr(ctx, err)
	}

	// response: VER REP RSV ATYP BND.ADDR BND.PORT
	if _, err := io.ReadFull(conn, b[:4]); err != nil {
		return ctxErr(ctx, err)
	}
	if b[0] != version5 {
		return fmt.Errorf("unexpected SOCKS version %d - expected %d", b[0], version5)
	}
	if b[1] != 0 {
		return errors.New("unexpected reply: " + replyText(b[1]))
	}
	if b[2] != 0 {
		return fmt.Errorf("unexpected value %d in reserved field", b[2])
	}
	var n int64
	switch b[3] {
	case addrTypeIPv4:
		n = net.IPv4len
	case addrTypeIPv6:
		n = net.IPv6len
	case addrTypeFQDN:
		if _, err := io.ReadFull(conn, b[:1]); err != nil {
			return ctxErr(ctx, err)
		}
		n = int64(b[0])
	default:
		return fmt.Errorf("unknown address type %#x", b[3])
	}
	if _, err := io.CopyN(io.Discard, conn, n+2); err != nil { // address and port
		return ctxErr(ctx, err)
	}
	return nil
}

func (d *Dialer) authenticate(conn net.Conn, method byte) error {
	switch method {
	case authNotRequired:
		return nil
	case authBasic:
		return d.authenticateBasic(conn)
	case authNoneAcceptable:
		return errors.New("no acceptable authentication method")
	}
	return fmt.Errorf("unsupported authentication method %d", method)
}

// authenticateBasic performs the username/password sub-negotiation (RFC 1929).
func (d *Dialer) authenticateBasic(conn net.Conn) error {
	user, password := d.config.User, d.config.Password
	switch {
	case user == "":
		return errors.New("username cannot be empty")
	case len(user) > 255:
		return errors.New("username cannot exceed 255 bytes")
	case password == "":
		return errors.New("password cannot be empty")
	case len(password) > 255:
		return errors.New("password cannot exceed 255 bytes")
	}
	// VER ULEN UNAME PLEN PASSWD
	b := make([]byte, 0, 3+len(user)+len(password))
	b = append(b, authBasicVersion, byte(len(user)))
	b = append(b, user...)
	b = append(b, byte(len(password)))
	b = append(b, password...)
	if _, err := conn.Write(b); err != nil {
		return err
	}
	// VER STATUS
	if _, err := io.ReadFull(conn, b[:2]); err != nil {
		return err
	}
	if b[0] != authBasicVersion {
		return fmt.Errorf("invalid username/password authentication version %d", b[0])
	}
	if b[1] != authReplySuccess {
		return fmt.Errorf("username/password authentication failed with status %d", b[1])
	}
	return nil
}

func ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func splitHostPort(address string) (string, int, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, err
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return "", 0, err
	}
	if portNum < 1 || portNum > 0xFFFF {
		return "", 0, fmt.Errorf("port number %s out of range", port)
	}
	return host, portNum, nil
}
