package driver

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dbvirt/go-dbvirt/driver/dqp"
	"github.com/dbvirt/go-dbvirt/driver/dqp/local"
)

func TestDefaultFetchSize(t *testing.T) {
	rec := new(recorder)
	c, _ := newTestConn(t, rec.handle(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		return numbers(1), nil
	}))
	s := createStatement(t, c)

	if s.FetchSize() != DefaultFetchSize {
		t.Fatalf("fetch size %d - expected %d", s.FetchSize(), DefaultFetchSize)
	}
	if _, err := s.ExecuteQuery(context.Background(), "SELECT 1"); err != nil {
		t.Fatal(err)
	}
	if req := rec.last(); req.FetchSize != DefaultFetchSize {
		t.Fatalf("request fetch size %d - expected %d", req.FetchSize, DefaultFetchSize)
	}
}

func TestFetchBatches(t *testing.T) {
	c, svc := newTestConn(t, local.HandlerFunc(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		return numbers(7), nil
	}))
	s := createStatement(t, c)
	if err := s.SetFetchSize(3); err != nil {
		t.Fatal(err)
	}

	rs, err := s.ExecuteQuery(context.Background(), "SELECT n FROM t")
	if err != nil {
		t.Fatal(err)
	}
	values := readInts(t, rs)
	if !slices.Equal(values, []int64{1, 2, 3, 4, 5, 6, 7}) {
		t.Fatalf("values %v", values)
	}
	// rows 4-6 and 7 are fetched by cursor requests
	if n := svc.Calls(local.MethodCursor); n != 2 {
		t.Fatalf("cursor requests %d - expected 2", n)
	}
	if err := rs.Close(); err != nil {
		t.Fatal(err)
	}
	if n := svc.OpenRequests(); n != 0 {
		t.Fatalf("open requests %d - expected 0", n)
	}
	if _, err := rs.Next(context.Background()); !errors.Is(err, ErrResultSetClosed) {
		t.Fatalf("next on closed result set: %v", err)
	}
}

func TestMaxRows(t *testing.T) {
	rec := new(recorder)
	c, _ := newTestConn(t, rec.handle(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		return numbers(5), nil
	}))
	s := createStatement(t, c)
	if err := s.SetMaxRows(2); err != nil {
		t.Fatal(err)
	}
	rs, err := s.ExecuteQuery(context.Background(), "SELECT n FROM t")
	if err != nil {
		t.Fatal(err)
	}
	if values := readInts(t, rs); !slices.Equal(values, []int64{1, 2}) {
		t.Fatalf("values %v", values)
	}
	if req := rec.last(); req.RowLimit != 2 {
		t.Fatalf("row limit %d - expected 2", req.RowLimit)
	}
}

func TestResultsMode(t *testing.T) {
	c, _ := newTestConn(t, local.HandlerFunc(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		if req.ResultsMode == dqp.ResultsModeUpdateCount {
			return dqp.NewUpdateResult(4), nil
		}
		return numbers(1), nil
	}))
	s := createStatement(t, c)
	ctx := context.Background()

	n, err := s.ExecuteUpdate(ctx, "DELETE FROM t")
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 || s.UpdateCount() != 4 || s.ResultSet() != nil {
		t.Fatalf("update count %d %d", n, s.UpdateCount())
	}

	hasResultSet, err := s.Execute(ctx, "SELECT 1")
	if err != nil {
		t.Fatal(err)
	}
	if !hasResultSet || s.UpdateCount() != -1 || s.ResultSet() == nil {
		t.Fatalf("result set expected")
	}
}

func TestServerException(t *testing.T) {
	c, svc := newTestConn(t, local.HandlerFunc(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		return nil, &dqp.ServerError{Kind: dqp.KindProcessing, Code: "TEIID30359", Message: "table not found"}
	}))
	s := createStatement(t, c)

	_, err := s.ExecuteQuery(context.Background(), "SELECT * FROM unknown")
	if err == nil {
		t.Fatal("error expected")
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("unexpected error type %T", err)
	}
	if e.SQLState() != SQLStateProcessing || e.Code() != "TEIID30359" || e.Message() != "table not found" {
		t.Fatalf("unexpected error %v", e)
	}
	if s.State() != StateDone {
		t.Fatalf("state %s - expected %s", s.State(), StateDone)
	}
	svc.Wait()
	if n := svc.OpenRequests(); n != 0 {
		t.Fatalf("open requests %d - expected 0", n)
	}
}

func TestWarnings(t *testing.T) {
	c, _ := newTestConn(t, local.HandlerFunc(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		m := numbers(1)
		m.Warnings = []*dqp.ServerError{{Kind: dqp.KindProcessing, Message: "source unavailable"}}
		return m, nil
	}))
	s := createStatement(t, c)
	if _, err := s.Execute(context.Background(), "SELECT 1"); err != nil {
		t.Fatal(err)
	}
	warnings := s.Warnings()
	if len(warnings) != 1 {
		t.Fatalf("warnings %d - expected 1", len(warnings))
	}
	if !warnings[0].IsWarning() || warnings[0].Message() != "source unavailable" {
		t.Fatalf("unexpected warning %v", warnings[0])
	}
	s.ClearWarnings()
	if len(s.Warnings()) != 0 {
		t.Fatal("warnings not cleared")
	}
}

func TestStatementBatch(t *testing.T) {
	rec := new(recorder)
	c, _ := newTestConn(t, rec.handle(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		if len(req.Commands) == 3 {
			return &dqp.ResultsMessage{Exception: &dqp.ServerError{
				Kind:         dqp.KindBatchUpdate,
				Message:      "duplicate key",
				UpdateCounts: []int{1},
			}}, nil
		}
		counts := make([]int, len(req.Commands))
		for i := range counts {
			counts[i] = 1
		}
		return dqp.NewBatchUpdateResult(counts), nil
	}))
	s := createStatement(t, c)
	ctx := context.Background()

	for _, query := range []string{"INSERT INTO t VALUES (1)", "INSERT INTO t VALUES (2)"} {
		if err := s.AddBatch(query); err != nil {
			t.Fatal(err)
		}
	}
	counts, err := s.ExecuteBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(counts, []int{1, 1}) {
		t.Fatalf("update counts %v", counts)
	}
	if req := rec.last(); !req.Batched || len(req.Commands) != 2 {
		t.Fatalf("batch request expected: %+v", req)
	}

	// the batch is cleared by the execution
	counts, err = s.ExecuteBatch(ctx)
	if err != nil || len(counts) != 0 {
		t.Fatalf("empty batch: %v %v", counts, err)
	}

	for i := range 3 {
		if err := s.AddBatch("INSERT INTO t VALUES (?)"); err != nil {
			t.Fatal(i, err)
		}
	}
	_, err = s.ExecuteBatch(ctx)
	var bErr *BatchUpdateError
	if !errors.As(err, &bErr) {
		t.Fatalf("batch update error expected: %v", err)
	}
	if !slices.Equal(bErr.UpdateCounts, []int{1}) {
		t.Fatalf("update counts %v", bErr.UpdateCounts)
	}
}

// heldService holds the responses of execution requests until the test completes them.
type heldService struct {
	*local.Service
	executed chan int64
	held     *dqp.ResultsFuture[*dqp.ResultsMessage]
	closed   atomic.Int64
}

func (s *heldService) ExecuteRequest(reqID int64, req *dqp.RequestMessage) *dqp.ResultsFuture[*dqp.ResultsMessage] {
	s.executed <- reqID
	return s.held
}

func (s *heldService) CloseRequest(reqID int64) *dqp.ResultsFuture[struct{}] {
	s.closed.Add(1)
	return s.Service.CloseRequest(reqID)
}

func TestCancelRace(t *testing.T) {
	svc := &heldService{
		Service:  local.NewService(nil),
		executed: make(chan int64, 1),
		held:     dqp.NewResultsFuture[*dqp.ResultsMessage](),
	}
	connector := NewLocalConnector("test", "user", func() dqp.Service { return svc })
	c := openTestConn(t, connector)
	s := createStatement(t, c)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Execute(ctx, "SELECT n FROM t")
		errCh <- err
	}()
	<-svc.executed

	if err := s.Cancel(ctx); err != nil {
		t.Fatal(err)
	}
	err := <-errCh
	if !errors.Is(err, ErrQueryCancelled) || sqlState(err) != SQLStateQueryCancelled {
		t.Fatalf("cancel error expected: %v", err)
	}

	// the late response is discarded and its request closed
	svc.held.Complete(numbers(3), nil)
	if s.State() != StateCancelled {
		t.Fatalf("state %s - expected %s", s.State(), StateCancelled)
	}
	if s.ResultSet() != nil {
		t.Fatal("result set of a cancelled request")
	}
	if n := svc.closed.Load(); n != 1 {
		t.Fatalf("close requests %d - expected 1", n)
	}

	// a second cancel is a no-op
	if err := s.Cancel(ctx); err != nil {
		t.Fatal(err)
	}
	if n := svc.Calls(local.MethodCancel); n != 1 {
		t.Fatalf("cancel requests %d - expected 1", n)
	}
}

func blockingHandler(started chan<- struct{}) local.HandlerFunc {
	var once sync.Once
	return func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func TestContextCancel(t *testing.T) {
	started := make(chan struct{})
	c, svc := newTestConn(t, blockingHandler(started))
	s := createStatement(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := s.Execute(ctx, "SELECT n FROM t")
	if !errors.Is(err, context.Canceled) || sqlState(err) != SQLStateQueryCancelled {
		t.Fatalf("cancel error expected: %v", err)
	}
	if s.State() != StateCancelled {
		t.Fatalf("state %s - expected %s", s.State(), StateCancelled)
	}
	svc.Wait()
	if n := svc.OpenRequests(); n != 0 {
		t.Fatalf("open requests %d - expected 0", n)
	}
}

func TestQueryTimeout(t *testing.T) {
	started := make(chan struct{})
	connector, newestSvc := newTestConnector(blockingHandler(started))
	c := openTestConn(t, connector)
	svc := newestSvc()
	s := createStatement(t, c)
	if err := s.SetQueryTimeoutDuration(50 * time.Millisecond); err != nil {
		t.Fatal(err)
	}

	_, err := s.Execute(context.Background(), "SELECT n FROM t")
	if !errors.Is(err, ErrQueryTimeout) || sqlState(err) != SQLStateQueryCancelled {
		t.Fatalf("timeout error expected: %v", err)
	}
	if s.State() != StateTimedOut {
		t.Fatalf("state %s - expected %s", s.State(), StateTimedOut)
	}
	// the timeout applies to one execution only
	if d := s.QueryTimeoutDuration(); d != 0 {
		t.Fatalf("query timeout %s - expected 0", d)
	}
	if n := connector.Stats().Timeouts; n != 1 {
		t.Fatalf("timeouts %d - expected 1", n)
	}
	svc.Wait()
	if n := svc.OpenRequests(); n != 0 {
		t.Fatalf("open requests %d - expected 0", n)
	}
}

// pendingService hands the result futures of execution requests to the test.
type pendingService struct {
	*local.Service
	requests chan *dqp.ResultsFuture[*dqp.ResultsMessage]
	closed   atomic.Int64
}

func (s *pendingService) ExecuteRequest(reqID int64, req *dqp.RequestMessage) *dqp.ResultsFuture[*dqp.ResultsMessage] {
	f := dqp.NewResultsFuture[*dqp.ResultsMessage]()
	s.requests <- f
	return f
}

func (s *pendingService) CloseRequest(reqID int64) *dqp.ResultsFuture[struct{}] {
	s.closed.Add(1)
	return s.Service.CloseRequest(reqID)
}

func TestLateResponse(t *testing.T) {
	svc := &pendingService{
		Service:  local.NewService(nil),
		requests: make(chan *dqp.ResultsFuture[*dqp.ResultsMessage], 2),
	}
	connector := NewLocalConnector("test", "user", func() dqp.Service { return svc })
	c := openTestConn(t, connector)
	s := createStatement(t, c)
	ctx := context.Background()
	if err := s.SetQueryTimeoutDuration(50 * time.Millisecond); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Execute(ctx, "SELECT slow FROM t"); !errors.Is(err, ErrQueryTimeout) {
		t.Fatalf("timeout error expected: %v", err)
	}
	slow := <-svc.requests

	type result struct {
		ok  bool
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		ok, err := s.Execute(ctx, "SELECT fast FROM t")
		resultCh <- result{ok, err}
	}()
	fast := <-svc.requests

	// the response of the timed out request arrives while the next request is running
	slow.Complete(numbers(3), nil)
	if s.State() != StateRunning {
		t.Fatalf("state %s - expected %s", s.State(), StateRunning)
	}
	if n := svc.closed.Load(); n != 1 {
		t.Fatalf("close requests %d - expected 1", n)
	}

	m := numbers(2)
	m.FirstRow, m.LastRow, m.FinalRow = 1, 2, 2
	fast.Complete(m, nil)
	r := <-resultCh
	if r.err != nil {
		t.Fatal(r.err)
	}
	if !r.ok {
		t.Fatal("result set expected")
	}
	if s.State() != StateDone {
		t.Fatalf("state %s - expected %s", s.State(), StateDone)
	}
	if values := readInts(t, s.ResultSet()); !slices.Equal(values, []int64{1, 2}) {
		t.Fatalf("values %v", values)
	}
}

func TestOpenStatementLimit(t *testing.T) {
	connector, _ := newTestConnector(local.HandlerFunc(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		return nil, nil
	}))
	connector.SetMaxOpenStatements(2)
	c := openTestConn(t, connector)

	s1 := createStatement(t, c)
	createStatement(t, c)
	if _, err := c.CreateStatement(TypeForwardOnly, ConcurReadOnly); !errors.Is(err, ErrTooManyStatements) {
		t.Fatalf("too many statements error expected: %v", err)
	}
	if c.IsValid() {
		t.Fatal("connection still open")
	}
	if !s1.IsClosed() {
		t.Fatal("statement still open")
	}
	if _, err := c.CreateStatement(TypeForwardOnly, ConcurReadOnly); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("connection closed error expected: %v", err)
	}
}

func TestClose(t *testing.T) {
	c, _ := newTestConn(t, local.HandlerFunc(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		return numbers(3), nil
	}))
	ctx := context.Background()

	s1 := createStatement(t, c)
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s1.Execute(ctx, "SELECT 1"); !errors.Is(err, ErrStmtClosed) {
		t.Fatalf("statement closed error expected: %v", err)
	}

	s2 := createStatement(t, c)
	rs, err := s2.ExecuteQuery(ctx, "SELECT n FROM t")
	if err != nil {
		t.Fatal(err)
	}
	if n := c.metrics.stats().OpenStatements; n != 1 {
		t.Fatalf("open statements %d - expected 1", n)
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !s2.IsClosed() || !rs.IsClosed() {
		t.Fatal("statement and result set are not closed with the connection")
	}
}

func TestUnsupportedResultSetTypes(t *testing.T) {
	c, _ := newTestConn(t, local.HandlerFunc(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		return nil, nil
	}))
	if _, err := c.CreateStatement(TypeScrollSensitive, ConcurReadOnly); sqlState(err) != SQLStateUnsupported {
		t.Fatalf("unsupported error expected: %v", err)
	}
	if _, err := c.CreateStatement(TypeForwardOnly, ConcurUpdatable); sqlState(err) != SQLStateUnsupported {
		t.Fatalf("unsupported error expected: %v", err)
	}
}

type collector struct {
	mu        sync.Mutex
	values    []int64
	err       error
	completed bool
}

func (c *collector) OnRow(s *Statement, rs *ResultSet) error {
	v, err := rs.GetInt64(1)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, v)
	return nil
}

func (c *collector) OnException(s *Statement, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *collector) OnComplete(s *Statement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = true
}

func TestSubmitExecute(t *testing.T) {
	c, _ := newTestConn(t, local.HandlerFunc(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		return numbers(4), nil
	}))
	s := createStatement(t, c)
	if err := s.SetFetchSize(2); err != nil {
		t.Fatal(err)
	}

	cb := new(collector)
	f, err := s.SubmitExecute(context.Background(), "SELECT n FROM t", cb, RequestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.GetTimeout(5 * time.Second); err != nil {
		t.Fatal(err)
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.completed || cb.err != nil {
		t.Fatalf("completed %t error %v", cb.completed, cb.err)
	}
	if !slices.Equal(cb.values, []int64{1, 2, 3, 4}) {
		t.Fatalf("values %v", cb.values)
	}
}

func TestContinuousValidation(t *testing.T) {
	c, _ := newTestConn(t, local.HandlerFunc(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		return numbers(1), nil
	}))
	s, err := c.CreateStatement(TypeScrollInsensitive, ConcurReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	_, err = s.SubmitExecute(context.Background(), "SELECT 1", new(collector), RequestOptions{Continuous: true})
	if sqlState(err) != SQLStateUsage {
		t.Fatalf("usage error expected: %v", err)
	}
}
