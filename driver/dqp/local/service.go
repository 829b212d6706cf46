/*
Package local provides the in-process DQP transport.

Service is an in-memory DQP service driven by a Handler executing the commands. It implements
cursor paging, cancellation, local and XA transaction bookkeeping and lob chunk streaming, and
counts all calls it receives. Conn wraps any dqp.Service as an in-process server connection.
*/
package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dbvirt/go-dbvirt/driver/dqp"
	"github.com/dbvirt/go-dbvirt/driver/lob"
	"github.com/puzpuzpuz/xsync/v3"
)

// A Handler executes requests. Errors are reported to the client as processing exceptions.
type Handler interface {
	Execute(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error)

// Execute implements the Handler interface.
func (f HandlerFunc) Execute(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
	return f(ctx, req)
}

// MetadataFunc returns the metadata of a command.
type MetadataFunc func(sql string) (*dqp.MetadataResult, error)

// Service method names used by call counting.
const (
	MethodExecute    = "ExecuteRequest"
	MethodCursor     = "ProcessCursorRequest"
	MethodCancel     = "CancelRequest"
	MethodClose      = "CloseRequest"
	MethodMetadata   = "GetMetadata"
	MethodLobChunk   = "RequestLobChunk"
	MethodBegin      = "Begin"
	MethodCommit     = "Commit"
	MethodRollback   = "Rollback"
	MethodStart      = "Start"
	MethodEnd        = "End"
	MethodPrepare    = "Prepare"
	MethodCommitXA   = "CommitXA"
	MethodRollbackXA = "RollbackXA"
	MethodForget     = "Forget"
	MethodRecover    = "Recover"
)

const defaultFetchSize = 2048

// xa branch states
const (
	xaStateActive = iota + 1
	xaStateEnded
	xaStatePrepared
	xaStateSuspended
)

// xa error codes
const (
	xaErrNotA         = -4
	xaErrProto        = -6
	xaErrDuplicateXID = -8
)

type request struct {
	cancel  context.CancelFunc
	running atomic.Bool
	mu      sync.Mutex
	result  *dqp.ResultsMessage
}

type xaBranch struct {
	xid   dqp.XID
	state int
}

// Service is an in-memory DQP service.
type Service struct {
	handler  Handler
	metadata MetadataFunc
	logger   *slog.Logger
	lobs     *lob.Store

	wg       sync.WaitGroup
	requests *xsync.MapOf[int64, *request]
	calls    *xsync.MapOf[string, *atomic.Int64]

	mu       sync.Mutex
	inTxn    bool
	branches map[string]*xaBranch
}

// Option configures a Service.
type Option func(*Service)

// WithMetadata sets the metadata function.
func WithMetadata(fn MetadataFunc) Option { return func(s *Service) { s.metadata = fn } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(s *Service) { s.logger = logger } }

// NewService returns a service executing requests with handler.
func NewService(handler Handler, opts ...Option) *Service {
	s := &Service{
		handler:  handler,
		logger:   slog.Default(),
		lobs:     lob.NewStore(),
		requests: xsync.NewMapOf[int64, *request](),
		calls:    xsync.NewMapOf[string, *atomic.Int64](),
		branches: make(map[string]*xaBranch),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ dqp.Service = (*Service)(nil)

func (s *Service) count(method string) {
	c, _ := s.calls.LoadOrStore(method, new(atomic.Int64))
	c.Add(1)
}

// Calls returns the number of calls of method.
func (s *Service) Calls(method string) int64 {
	if c, ok := s.calls.Load(method); ok {
		return c.Load()
	}
	return 0
}

// TotalCalls returns the number of calls of all methods.
func (s *Service) TotalCalls() int64 {
	var n int64
	s.calls.Range(func(_ string, c *atomic.Int64) bool {
		n += c.Load()
		return true
	})
	return n
}

// OpenRequests returns the number of requests not closed yet.
func (s *Service) OpenRequests() int { return s.requests.Size() }

// InTransaction returns true if a local transaction is active.
func (s *Service) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTxn
}

// Wait waits for all running requests.
func (s *Service) Wait() { s.wg.Wait() }

func batch(m *dqp.ResultsMessage, first int64, fetchSize int) *dqp.ResultsMessage {
	if fetchSize <= 0 {
		fetchSize = defaultFetchSize
	}
	n := int64(len(m.Rows))
	b := *m
	b.FirstRow = first
	if first > n {
		b.Rows = nil
		b.LastRow = first - 1
	} else {
		last := min(n, first+int64(fetchSize)-1)
		b.Rows = m.Rows[first-1 : last]
		b.LastRow = last
	}
	b.FinalRow = n
	if first > 1 {
		// diagnostics are sent with the first batch only
		b.Warnings, b.Plan, b.DebugLog, b.Annotations = nil, nil, "", nil
	}
	return &b
}

func (s *Service) registerLobs(m *dqp.ResultsMessage) {
	for _, row := range m.Rows {
		for _, v := range row {
			if lv, ok := v.(lob.Value); ok {
				s.lobs.Register(lv)
			}
		}
	}
}

// ExecuteRequest implements the dqp.Service interface.
func (s *Service) ExecuteRequest(reqID int64, req *dqp.RequestMessage) *dqp.ResultsFuture[*dqp.ResultsMessage] {
	s.count(MethodExecute)
	f := dqp.NewResultsFuture[*dqp.ResultsMessage]()
	ctx, cancel := context.WithCancel(context.Background())
	r := &request{cancel: cancel}
	r.running.Store(true)
	if _, loaded := s.requests.LoadOrStore(reqID, r); loaded {
		cancel()
		return dqp.Failed[*dqp.ResultsMessage](dqp.NewServerError(dqp.KindProcessing, "duplicate request id %d", reqID))
	}
	s.logger.Debug("execute request", slog.Int64("request", reqID), slog.Any("commands", req.Commands))

	s.wg.Go(func() {
		defer r.running.Store(false)
		m, err := s.handler.Execute(ctx, req)
		switch {
		case ctx.Err() != nil:
			m = &dqp.ResultsMessage{Exception: dqp.NewServerError(dqp.KindCancelled, "request %d cancelled", reqID)}
		case err != nil:
			m = &dqp.ResultsMessage{Exception: dqp.AsServerError(err)}
		case m == nil:
			m = dqp.NewUpdateResult(0)
		}
		s.registerLobs(m)
		r.mu.Lock()
		r.result = m
		r.mu.Unlock()
		f.Complete(batch(m, 1, req.FetchSize), nil)
	})
	return f
}

// ProcessCursorRequest implements the dqp.Service interface.
func (s *Service) ProcessCursorRequest(reqID int64, batchFirst int64, fetchSize int) *dqp.ResultsFuture[*dqp.ResultsMessage] {
	s.count(MethodCursor)
	r, ok := s.requests.Load(reqID)
	if !ok {
		return dqp.Failed[*dqp.ResultsMessage](dqp.NewServerError(dqp.KindProcessing, "request %d not found", reqID))
	}
	r.mu.Lock()
	m := r.result
	r.mu.Unlock()
	if m == nil {
		return dqp.Failed[*dqp.ResultsMessage](dqp.NewServerError(dqp.KindProcessing, "request %d still running", reqID))
	}
	if batchFirst < 1 {
		return dqp.Failed[*dqp.ResultsMessage](dqp.NewServerError(dqp.KindProcessing, "invalid batch start %d", batchFirst))
	}
	return dqp.Completed(batch(m, batchFirst, fetchSize), nil)
}

// CancelRequest implements the dqp.Service interface.
func (s *Service) CancelRequest(reqID int64) *dqp.ResultsFuture[bool] {
	s.count(MethodCancel)
	r, ok := s.requests.Load(reqID)
	if !ok {
		return dqp.Completed(false, nil)
	}
	running := r.running.Load()
	r.cancel()
	return dqp.Completed(running, nil)
}

// CloseRequest implements the dqp.Service interface.
func (s *Service) CloseRequest(reqID int64) *dqp.ResultsFuture[struct{}] {
	s.count(MethodClose)
	s.closeRequest(reqID)
	return dqp.Completed(struct{}{}, nil)
}

func (s *Service) closeRequest(reqID int64) {
	if r, ok := s.requests.LoadAndDelete(reqID); ok {
		r.cancel()
		r.mu.Lock()
		if r.result != nil {
			for _, row := range r.result.Rows {
				for _, v := range row {
					if lv, ok := v.(lob.Value); ok {
						s.lobs.Release(lv.StreamID())
					}
				}
			}
		}
		r.mu.Unlock()
	}
}

// Close cancels and closes all open requests and waits for their termination.
func (s *Service) Close() error {
	s.requests.Range(func(reqID int64, _ *request) bool {
		s.closeRequest(reqID)
		return true
	})
	s.wg.Wait()
	return nil
}

// GetMetadata implements the dqp.Service interface.
func (s *Service) GetMetadata(reqID int64, sql string) *dqp.ResultsFuture[*dqp.MetadataResult] {
	s.count(MethodMetadata)
	if s.metadata == nil {
		return dqp.Failed[*dqp.MetadataResult](dqp.NewServerError(dqp.KindProcessing, "metadata not supported"))
	}
	return dqp.Completed(s.metadata(sql))
}

// RequestLobChunk implements the dqp.Service interface.
func (s *Service) RequestLobChunk(streamID string, offset int64, size int) *dqp.ResultsFuture[*dqp.LobChunk] {
	s.count(MethodLobChunk)
	b, last, err := s.lobs.FetchChunk(context.Background(), streamID, offset, size)
	if err != nil {
		return dqp.Failed[*dqp.LobChunk](dqp.NewServerError(dqp.KindProcessing, "lob %s: %s", streamID, err))
	}
	return dqp.Completed(&dqp.LobChunk{Data: b, Last: last}, nil)
}

// Begin implements the dqp.Service interface.
func (s *Service) Begin() *dqp.ResultsFuture[struct{}] {
	s.count(MethodBegin)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inTxn {
		return dqp.Failed[struct{}](dqp.NewServerError(dqp.KindTransaction, "transaction already active"))
	}
	s.inTxn = true
	return dqp.Completed(struct{}{}, nil)
}

func (s *Service) endTxn(method string) *dqp.ResultsFuture[struct{}] {
	s.count(method)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTxn = false
	return dqp.Completed(struct{}{}, nil)
}

// Commit implements the dqp.Service interface.
func (s *Service) Commit() *dqp.ResultsFuture[struct{}] { return s.endTxn(MethodCommit) }

// Rollback implements the dqp.Service interface.
func (s *Service) Rollback() *dqp.ResultsFuture[struct{}] { return s.endTxn(MethodRollback) }

func xaError(code int, format string, a ...any) *dqp.ServerError {
	err := dqp.NewServerError(dqp.KindXA, format, a...)
	err.XACode = code
	return err
}

func (s *Service) branch(xid dqp.XID) (*xaBranch, error) {
	b, ok := s.branches[xid.String()]
	if !ok {
		return nil, xaError(xaErrNotA, "unknown transaction %s", xid)
	}
	return b, nil
}

// Start implements the dqp.Service interface.
func (s *Service) Start(xid dqp.XID, flags int, timeout int) *dqp.ResultsFuture[struct{}] {
	s.count(MethodStart)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch flags {
	case dqp.TMNoFlags:
		if _, ok := s.branches[xid.String()]; ok {
			return dqp.Failed[struct{}](xaError(xaErrDuplicateXID, "duplicate transaction %s", xid))
		}
		s.branches[xid.String()] = &xaBranch{xid: xid, state: xaStateActive}
	case dqp.TMJoin, dqp.TMResume:
		b, err := s.branch(xid)
		if err != nil {
			return dqp.Failed[struct{}](err)
		}
		if flags == dqp.TMResume && b.state != xaStateSuspended {
			return dqp.Failed[struct{}](xaError(xaErrProto, "transaction %s not suspended", xid))
		}
		b.state = xaStateActive
	default:
		return dqp.Failed[struct{}](xaError(xaErrProto, "invalid start flags %#x", flags))
	}
	return dqp.Completed(struct{}{}, nil)
}

// End implements the dqp.Service interface.
func (s *Service) End(xid dqp.XID, flags int) *dqp.ResultsFuture[struct{}] {
	s.count(MethodEnd)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.branch(xid)
	if err != nil {
		return dqp.Failed[struct{}](err)
	}
	if flags == dqp.TMSuspend {
		b.state = xaStateSuspended
	} else {
		b.state = xaStateEnded
	}
	return dqp.Completed(struct{}{}, nil)
}

// Prepare implements the dqp.Service interface.
func (s *Service) Prepare(xid dqp.XID) *dqp.ResultsFuture[int] {
	s.count(MethodPrepare)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.branch(xid)
	if err != nil {
		return dqp.Failed[int](err)
	}
	if b.state != xaStateEnded {
		return dqp.Failed[int](xaError(xaErrProto, "transaction %s not ended", xid))
	}
	b.state = xaStatePrepared
	return dqp.Completed(dqp.XAOk, nil)
}

// CommitXA implements the dqp.Service interface.
func (s *Service) CommitXA(xid dqp.XID, onePhase bool) *dqp.ResultsFuture[struct{}] {
	s.count(MethodCommitXA)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.branch(xid)
	if err != nil {
		return dqp.Failed[struct{}](err)
	}
	if !onePhase && b.state != xaStatePrepared {
		return dqp.Failed[struct{}](xaError(xaErrProto, "transaction %s not prepared", xid))
	}
	delete(s.branches, xid.String())
	return dqp.Completed(struct{}{}, nil)
}

// RollbackXA implements the dqp.Service interface.
func (s *Service) RollbackXA(xid dqp.XID) *dqp.ResultsFuture[struct{}] {
	s.count(MethodRollbackXA)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.branch(xid); err != nil {
		return dqp.Failed[struct{}](err)
	}
	delete(s.branches, xid.String())
	return dqp.Completed(struct{}{}, nil)
}

// Forget implements the dqp.Service interface.
func (s *Service) Forget(xid dqp.XID) *dqp.ResultsFuture[struct{}] {
	s.count(MethodForget)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.branches, xid.String())
	return dqp.Completed(struct{}{}, nil)
}

// Recover implements the dqp.Service interface.
func (s *Service) Recover(flags int) *dqp.ResultsFuture[[]dqp.XID] {
	s.count(MethodRecover)
	s.mu.Lock()
	defer s.mu.Unlock()
	var xids []dqp.XID
	for _, b := range s.branches {
		if b.state == xaStatePrepared {
			xids = append(xids, b.xid)
		}
	}
	return dqp.Completed(xids, nil)
}

func (s *Service) String() string {
	return fmt.Sprintf("local service (open requests %d)", s.requests.Size())
}
