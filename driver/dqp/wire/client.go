package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbvirt/go-dbvirt/driver/dial"
	"github.com/dbvirt/go-dbvirt/driver/dqp"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/vmihailenco/msgpack/v5"
)

// IOObserver is notified about the bytes transferred on a connection.
type IOObserver interface {
	ObserveRead(n int, d time.Duration)
	ObserveWrite(n int, d time.Duration)
}

// Options are the client options.
type Options struct {
	Dialer        dial.Dialer // dial.DefaultDialer if nil.
	DialerOptions dial.DialerOptions
	// Timeout is the write timeout of a frame. Zero means no timeout.
	Timeout time.Duration
	// Compress enables compression of large frames in both directions.
	Compress bool
	Observer IOObserver
	Logger   *slog.Logger
}

type responseFunc func(env *envelope, err error)

// Client is a remote server connection.
type Client struct {
	conn   net.Conn
	opts   Options
	logger *slog.Logger

	wmu     sync.Mutex
	nextID  atomic.Uint64
	pending *xsync.MapOf[uint64, responseFunc]

	closed atomic.Bool
	broken atomic.Bool
	wg     sync.WaitGroup

	mu    sync.RWMutex
	logon dqp.LogonResult
}

var (
	_ dqp.ServerConnection = (*Client)(nil)
	_ dqp.Service          = (*Client)(nil)
)

// Dial connects to the server at address and performs the logon.
func Dial(ctx context.Context, address string, logon dqp.LogonRequest, opts Options) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = dial.DefaultDialer
	}
	conn, err := dialer.DialContext(ctx, address, opts.DialerOptions)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(ctx, conn, logon, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient performs the logon on an established connection.
func NewClient(ctx context.Context, conn net.Conn, logon dqp.LogonRequest, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn:    conn,
		opts:    opts,
		logger:  logger.With(slog.String("remote", conn.RemoteAddr().String())),
		pending: xsync.NewMapOf[uint64, responseFunc](),
	}
	c.wg.Go(c.readLoop)

	if opts.Compress {
		props := make(map[string]string, len(logon.Properties)+1)
		for k, v := range logon.Properties {
			props[k] = v
		}
		props[PropertyCompress] = "true"
		logon.Properties = props
	}
	res, err := call[dqp.LogonResult](c, mLogon, &logon).Get(ctx)
	if err != nil {
		c.shutdown()
		return nil, err
	}
	c.logon = res
	c.logger.Debug("logon", slog.String("session", res.SessionID), slog.String("user", res.User))
	return c, nil
}

func (c *Client) readLoop() {
	err := c.read()
	c.broken.Store(true)
	if !c.closed.Load() {
		c.logger.Warn("connection read error", slog.Any("error", err))
	}
	c.pending.Range(func(id uint64, fn responseFunc) bool {
		if fn, ok := c.pending.LoadAndDelete(id); ok {
			fn(nil, fmt.Errorf("%w: %w", dqp.ErrClosed, err))
		}
		return true
	})
}

func (c *Client) read() error {
	for {
		start := time.Now()
		payload, n, err := readFrame(c.conn)
		if c.opts.Observer != nil && n > 0 {
			c.opts.Observer.ObserveRead(n, time.Since(start))
		}
		if err != nil {
			return err
		}
		env := new(envelope)
		if err := msgpack.Unmarshal(payload, env); err != nil {
			return err
		}
		fn, ok := c.pending.LoadAndDelete(env.ID)
		if !ok {
			c.logger.Debug("response without request", slog.Uint64("id", env.ID))
			continue
		}
		fn(env, nil)
	}
}

func (c *Client) write(env *envelope) error {
	payload, err := msgpack.Marshal(env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.opts.Timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.Timeout)); err != nil {
			return err
		}
	}
	start := time.Now()
	n, err := writeFrame(c.conn, payload, c.opts.Compress)
	if c.opts.Observer != nil && n > 0 {
		c.opts.Observer.ObserveWrite(n, time.Since(start))
	}
	return err
}

func call[T any](c *Client, m method, args any) *dqp.ResultsFuture[T] {
	body, err := msgpack.Marshal(args)
	if err != nil {
		return dqp.Failed[T](err)
	}
	f := dqp.NewResultsFuture[T]()
	id := c.nextID.Add(1)
	c.pending.Store(id, func(env *envelope, err error) {
		var v T
		switch {
		case err != nil:
		case env.Err != nil:
			err = env.Err
		case len(env.Body) > 0:
			err = msgpack.Unmarshal(env.Body, &v)
		}
		f.Complete(v, err)
	})
	fail := func(err error) {
		if fn, ok := c.pending.LoadAndDelete(id); ok {
			fn(nil, err)
		}
	}
	if c.broken.Load() {
		fail(dqp.ErrClosed)
		return f
	}
	if err := c.write(&envelope{ID: id, Method: m, Body: body}); err != nil {
		c.logger.Warn("connection write error", slog.String("method", m.String()), slog.Any("error", err))
		fail(fmt.Errorf("%w: %w", dqp.ErrClosed, err))
		c.conn.Close() // terminates the read loop
	}
	return f
}

// shutdown closes the connection and waits for the read loop.
func (c *Client) shutdown() {
	c.closed.Store(true)
	c.conn.Close()
	c.wg.Wait()
}

// Service implements the dqp.ServerConnection interface.
func (c *Client) Service() dqp.Service { return c }

// Logon implements the dqp.ServerConnection interface.
func (c *Client) Logon() dqp.LogonResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logon
}

// IsLocal implements the dqp.ServerConnection interface.
func (c *Client) IsLocal() bool { return false }

// SupportsContinuous implements the dqp.ServerConnection interface.
func (c *Client) SupportsContinuous() bool { return false }

// ChangeUser implements the dqp.ServerConnection interface.
func (c *Client) ChangeUser(ctx context.Context, user, password string) error {
	res, err := call[dqp.LogonResult](c, mChangeUser, &changeUserArgs{User: user, Password: password}).Get(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.logon = res
	c.mu.Unlock()
	return nil
}

// Ping implements the dqp.ServerConnection interface.
func (c *Client) Ping(ctx context.Context) error {
	_, err := call[struct{}](c, mPing, nil).Get(ctx)
	return err
}

// IsOpen implements the dqp.ServerConnection interface.
func (c *Client) IsOpen() bool { return !c.closed.Load() && !c.broken.Load() }

// Close implements the dqp.ServerConnection interface.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if !c.broken.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := call[struct{}](c, mLogoff, nil).Get(ctx)
		cancel()
		if err != nil && !errors.Is(err, dqp.ErrClosed) {
			c.logger.Debug("logoff", slog.Any("error", err))
		}
	}
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// ExecuteRequest implements the dqp.Service interface.
func (c *Client) ExecuteRequest(reqID int64, req *dqp.RequestMessage) *dqp.ResultsFuture[*dqp.ResultsMessage] {
	return call[*dqp.ResultsMessage](c, mExecute, &executeArgs{ReqID: reqID, Request: req})
}

// ProcessCursorRequest implements the dqp.Service interface.
func (c *Client) ProcessCursorRequest(reqID int64, batchFirst int64, fetchSize int) *dqp.ResultsFuture[*dqp.ResultsMessage] {
	return call[*dqp.ResultsMessage](c, mCursor, &cursorArgs{ReqID: reqID, BatchFirst: batchFirst, FetchSize: fetchSize})
}

// CancelRequest implements the dqp.Service interface.
func (c *Client) CancelRequest(reqID int64) *dqp.ResultsFuture[bool] {
	return call[bool](c, mCancel, &requestArgs{ReqID: reqID})
}

// CloseRequest implements the dqp.Service interface.
func (c *Client) CloseRequest(reqID int64) *dqp.ResultsFuture[struct{}] {
	return call[struct{}](c, mClose, &requestArgs{ReqID: reqID})
}

// GetMetadata implements the dqp.Service interface.
func (c *Client) GetMetadata(reqID int64, sql string) *dqp.ResultsFuture[*dqp.MetadataResult] {
	return call[*dqp.MetadataResult](c, mMetadata, &metadataArgs{ReqID: reqID, SQL: sql})
}

// RequestLobChunk implements the dqp.Service interface.
func (c *Client) RequestLobChunk(streamID string, offset int64, size int) *dqp.ResultsFuture[*dqp.LobChunk] {
	return call[*dqp.LobChunk](c, mLobChunk, &lobArgs{StreamID: streamID, Offset: offset, Size: size})
}

// Begin implements the dqp.Service interface.
func (c *Client) Begin() *dqp.ResultsFuture[struct{}] { return call[struct{}](c, mBegin, nil) }

// Commit implements the dqp.Service interface.
func (c *Client) Commit() *dqp.ResultsFuture[struct{}] { return call[struct{}](c, mCommit, nil) }

// Rollback implements the dqp.Service interface.
func (c *Client) Rollback() *dqp.ResultsFuture[struct{}] { return call[struct{}](c, mRollback, nil) }

// Start implements the dqp.Service interface.
func (c *Client) Start(xid dqp.XID, flags int, timeout int) *dqp.ResultsFuture[struct{}] {
	return call[struct{}](c, mXAStart, &xaArgs{XID: xid, Flags: flags, Timeout: timeout})
}

// End implements the dqp.Service interface.
func (c *Client) End(xid dqp.XID, flags int) *dqp.ResultsFuture[struct{}] {
	return call[struct{}](c, mXAEnd, &xaArgs{XID: xid, Flags: flags})
}

// Prepare implements the dqp.Service interface.
func (c *Client) Prepare(xid dqp.XID) *dqp.ResultsFuture[int] {
	return call[int](c, mXAPrepare, &xaArgs{XID: xid})
}

// CommitXA implements the dqp.Service interface.
func (c *Client) CommitXA(xid dqp.XID, onePhase bool) *dqp.ResultsFuture[struct{}] {
	return call[struct{}](c, mXACommit, &xaArgs{XID: xid, OnePhase: onePhase})
}

// RollbackXA implements the dqp.Service interface.
func (c *Client) RollbackXA(xid dqp.XID) *dqp.ResultsFuture[struct{}] {
	return call[struct{}](c, mXARollback, &xaArgs{XID: xid})
}

// Forget implements the dqp.Service interface.
func (c *Client) Forget(xid dqp.XID) *dqp.ResultsFuture[struct{}] {
	return call[struct{}](c, mXAForget, &xaArgs{XID: xid})
}

// Recover implements the dqp.Service interface.
func (c *Client) Recover(flags int) *dqp.ResultsFuture[[]dqp.XID] {
	return call[[]dqp.XID](c, mXARecover, &xaArgs{Flags: flags})
}
