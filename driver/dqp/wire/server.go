package wire

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dbvirt/go-dbvirt/driver/dqp"
	"github.com/dbvirt/go-dbvirt/driver/dqp/local"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/vmihailenco/msgpack/v5"
)

// ServerVersion is reported to clients in the logon result.
const ServerVersion = "dbvirt-wire/1"

// Server serves DQP services over stream connections. Each accepted connection gets its own
// service instance.
type Server struct {
	// NewService returns the service of a new session.
	NewService func() dqp.Service
	// Authenticate validates the logon credentials. A nil function accepts all users.
	Authenticate local.Authenticator
	// Compress enables compression of large responses for all sessions.
	Compress bool
	Logger   *slog.Logger

	closed   atomic.Bool
	mu       sync.Mutex
	listener net.Listener
	conns    *xsync.MapOf[net.Conn, struct{}]
	wg       sync.WaitGroup
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Serve accepts connections on l until the server is closed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.conns == nil {
		s.conns = xsync.NewMapOf[net.Conn, struct{}]()
	}
	s.listener = l
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return err
		}
		s.conns.Store(conn, struct{}{})
		s.wg.Go(func() {
			defer s.conns.Delete(conn)
			s.serveConn(conn)
		})
	}
}

// Close stops the listener, closes all connections and waits for their termination.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Unlock()
	if s.conns != nil {
		s.conns.Range(func(conn net.Conn, _ struct{}) bool {
			conn.Close()
			return true
		})
	}
	s.wg.Wait()
	return err
}

type serverConn struct {
	conn     net.Conn
	logger   *slog.Logger
	compress bool
	session  *local.Conn

	wmu sync.Mutex
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	logger := s.logger().With(slog.String("remote", conn.RemoteAddr().String()))
	sc := &serverConn{conn: conn, logger: logger, compress: s.Compress}

	env, err := sc.read()
	if err != nil {
		logger.Debug("logon read", slog.Any("error", err))
		return
	}
	if env.Method != mLogon {
		sc.send(env.ID, nil, dqp.NewServerError(dqp.KindCommunication, "expected logon - got %s", env.Method))
		return
	}
	var req dqp.LogonRequest
	if err := msgpack.Unmarshal(env.Body, &req); err != nil {
		sc.send(env.ID, nil, dqp.NewServerError(dqp.KindCommunication, "invalid logon: %s", err))
		return
	}
	sc.compress = sc.compress || req.Properties[PropertyCompress] == "true"

	svc := s.NewService()
	session, err := local.Connect(svc, req, s.Authenticate)
	if err != nil {
		logger.Info("logon failed", slog.String("user", req.User), slog.Any("error", err))
		sc.send(env.ID, nil, err)
		return
	}
	sc.session = session
	defer session.Close()
	if c, ok := svc.(io.Closer); ok {
		defer c.Close()
	}

	res := session.Logon()
	res.ServerVersion = ServerVersion
	sc.send(env.ID, &res, nil)
	logger = logger.With(slog.String("session", res.SessionID))
	sc.logger = logger
	logger.Debug("session opened", slog.String("user", res.User), slog.Bool("compress", sc.compress))

	for {
		env, err := sc.read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warn("connection read error", slog.Any("error", err))
			}
			return
		}
		if env.Method == mLogoff {
			sc.send(env.ID, nil, nil)
			logger.Debug("session closed")
			return
		}
		sc.dispatch(svc, env)
	}
}

func (sc *serverConn) read() (*envelope, error) {
	payload, _, err := readFrame(sc.conn)
	if err != nil {
		return nil, err
	}
	env := new(envelope)
	if err := msgpack.Unmarshal(payload, env); err != nil {
		return nil, err
	}
	return env, nil
}

func (sc *serverConn) send(id uint64, v any, err error) {
	env := &envelope{ID: id}
	if err != nil {
		env.Err = dqp.AsServerError(err)
	} else if v != nil {
		body, err := msgpack.Marshal(v)
		if err != nil {
			env.Err = dqp.NewServerError(dqp.KindCommunication, "encode response: %s", err)
		} else {
			env.Body = body
		}
	}
	payload, err := msgpack.Marshal(env)
	if err != nil {
		sc.logger.Error("encode envelope", slog.Any("error", err))
		return
	}
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	if _, err := writeFrame(sc.conn, payload, sc.compress); err != nil {
		sc.logger.Debug("connection write error", slog.Any("error", err))
	}
}

func reply[T any](sc *serverConn, id uint64, f *dqp.ResultsFuture[T]) {
	f.AddCompletionListener(func(f *dqp.ResultsFuture[T]) {
		v, err := f.Result()
		sc.send(id, v, err)
	})
}

func (sc *serverConn) dispatch(svc dqp.Service, env *envelope) {
	decode := func(v any) bool {
		if err := msgpack.Unmarshal(env.Body, v); err != nil {
			sc.send(env.ID, nil, dqp.NewServerError(dqp.KindCommunication, "invalid %s arguments: %s", env.Method, err))
			return false
		}
		return true
	}

	switch env.Method {
	case mPing:
		sc.send(env.ID, nil, nil)
	case mChangeUser:
		var a changeUserArgs
		if decode(&a) {
			if err := sc.session.ChangeUser(context.Background(), a.User, a.Password); err != nil {
				sc.send(env.ID, nil, err)
				return
			}
			res := sc.session.Logon()
			res.ServerVersion = ServerVersion
			sc.send(env.ID, &res, nil)
		}
	case mExecute:
		var a executeArgs
		if decode(&a) {
			reply(sc, env.ID, svc.ExecuteRequest(a.ReqID, a.Request))
		}
	case mCursor:
		var a cursorArgs
		if decode(&a) {
			reply(sc, env.ID, svc.ProcessCursorRequest(a.ReqID, a.BatchFirst, a.FetchSize))
		}
	case mCancel:
		var a requestArgs
		if decode(&a) {
			reply(sc, env.ID, svc.CancelRequest(a.ReqID))
		}
	case mClose:
		var a requestArgs
		if decode(&a) {
			reply(sc, env.ID, svc.CloseRequest(a.ReqID))
		}
	case mMetadata:
		var a metadataArgs
		if decode(&a) {
			reply(sc, env.ID, svc.GetMetadata(a.ReqID, a.SQL))
		}
	case mLobChunk:
		var a lobArgs
		if decode(&a) {
			reply(sc, env.ID, svc.RequestLobChunk(a.StreamID, a.Offset, a.Size))
		}
	case mBegin:
		reply(sc, env.ID, svc.Begin())
	case mCommit:
		reply(sc, env.ID, svc.Commit())
	case mRollback:
		reply(sc, env.ID, svc.Rollback())
	case mXAStart, mXAEnd, mXAPrepare, mXACommit, mXARollback, mXAForget, mXARecover:
		var a xaArgs
		if !decode(&a) {
			return
		}
		switch env.Method {
		case mXAStart:
			reply(sc, env.ID, svc.Start(a.XID, a.Flags, a.Timeout))
		case mXAEnd:
			reply(sc, env.ID, svc.End(a.XID, a.Flags))
		case mXAPrepare:
			reply(sc, env.ID, svc.Prepare(a.XID))
		case mXACommit:
			reply(sc, env.ID, svc.CommitXA(a.XID, a.OnePhase))
		case mXARollback:
			reply(sc, env.ID, svc.RollbackXA(a.XID))
		case mXAForget:
			reply(sc, env.ID, svc.Forget(a.XID))
		case mXARecover:
			reply(sc, env.ID, svc.Recover(a.Flags))
		}
	default:
		sc.send(env.ID, nil, dqp.NewServerError(dqp.KindCommunication, "unsupported %s", env.Method))
	}
}
