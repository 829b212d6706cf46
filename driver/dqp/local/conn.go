package local

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dbvirt/go-dbvirt/driver/dqp"
	"github.com/google/uuid"
)

// Authenticator validates user credentials.
type Authenticator func(user, password string) error

// Conn is an in-process server connection.
type Conn struct {
	svc    dqp.Service
	auth   Authenticator
	closed atomic.Bool

	mu    sync.RWMutex
	logon dqp.LogonResult
}

var _ dqp.ServerConnection = (*Conn)(nil)

// Connect authenticates req and returns a connection to svc. A nil authenticator accepts all users.
func Connect(svc dqp.Service, req dqp.LogonRequest, auth Authenticator) (*Conn, error) {
	if auth != nil {
		if err := auth(req.User, req.Password); err != nil {
			return nil, &dqp.ServerError{Kind: dqp.KindLogon, Message: err.Error()}
		}
	}
	return &Conn{
		svc:  svc,
		auth: auth,
		logon: dqp.LogonResult{
			SessionID:  uuid.NewString(),
			User:       req.User,
			VDB:        req.VDB,
			VDBVersion: req.VDBVersion,
		},
	}, nil
}

// Service implements the dqp.ServerConnection interface.
func (c *Conn) Service() dqp.Service { return c.svc }

// Logon implements the dqp.ServerConnection interface.
func (c *Conn) Logon() dqp.LogonResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logon
}

// IsLocal implements the dqp.ServerConnection interface.
func (c *Conn) IsLocal() bool { return true }

// SupportsContinuous implements the dqp.ServerConnection interface.
func (c *Conn) SupportsContinuous() bool { return true }

// ChangeUser implements the dqp.ServerConnection interface.
func (c *Conn) ChangeUser(ctx context.Context, user, password string) error {
	if !c.IsOpen() {
		return dqp.ErrClosed
	}
	if c.auth != nil {
		if err := c.auth(user, password); err != nil {
			return &dqp.ServerError{Kind: dqp.KindLogon, Message: err.Error()}
		}
	}
	c.mu.Lock()
	c.logon.User = user
	c.mu.Unlock()
	return nil
}

// Ping implements the dqp.ServerConnection interface.
func (c *Conn) Ping(ctx context.Context) error {
	if !c.IsOpen() {
		return dqp.ErrClosed
	}
	return ctx.Err()
}

// IsOpen implements the dqp.ServerConnection interface.
func (c *Conn) IsOpen() bool { return !c.closed.Load() }

// Close implements the dqp.ServerConnection interface.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}
