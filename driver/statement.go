package driver

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbvirt/go-dbvirt/driver/dqp"
	"github.com/dbvirt/go-dbvirt/driver/internal/metastmt"
	"github.com/google/uuid"
)

// State is the execution state of a statement.
type State int32

// Statement execution states.
const (
	StateRunning State = iota
	StateDone
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateDone:
		return "DONE"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "State(?)"
	}
}

// StatementCallback receives the results of SubmitExecute. The methods are called on a
// goroutine of the driver.
type StatementCallback interface {
	// OnRow is called for each row. Returning an error stops the processing.
	OnRow(s *Statement, rs *ResultSet) error
	// OnException is called if the execution or the row processing failed.
	OnException(s *Statement, err error)
	// OnComplete is called after the last row.
	OnComplete(s *Statement)
}

// RequestOptions are the options of SubmitExecute.
type RequestOptions struct {
	// Continuous requests a continuous execution (the connection needs to support it).
	Continuous bool
}

// execOptions are the options of a single execution.
type execOptions struct {
	mode          dqp.ResultsMode
	synch         bool
	batched       bool
	prepared      bool
	callable      bool
	preparedBatch bool
	continuous    bool
	params        [][]any
}

var stmtNo atomic.Int64

/*
Statement submits commands to the server and holds the results of the last execution.

A statement is owned by one connection. Results of an execution (result set or update counts)
are replaced by the next execution. Column and parameter indexes are 1-based.
*/
type Statement struct {
	conn          *conn
	svc           dqp.Service
	id            int64
	logger        *slog.Logger
	resultSetType int
	pooled        bool // owned by a database/sql statement

	closed atomic.Bool
	state  atomic.Int32
	reqID  atomic.Int64

	// mu guards the results. Completion listeners hold it while materializing a response.
	mu                  sync.Mutex
	props               properties
	payload             map[string]string
	fetchSize           int
	maxRows             int
	maxFieldSize        int
	queryTimeout        time.Duration
	defaultQueryTimeout time.Duration
	returnGeneratedKeys bool
	closeOnCompletion   bool
	pending             *dqp.ResultsFuture[bool]
	warnings            []*Error
	batch               []string
	resultSet           *ResultSet
	updateCounts        []int
	generatedKeys       *ResultSet
	outParams           map[int]int // parameter index -> column index of the out parameter row
	outNames            map[string]int
}

func newStatement(c *conn, resultSetType int) *Statement {
	id := stmtNo.Add(1)
	c.mu.RLock()
	props := c.props.clone()
	c.mu.RUnlock()
	s := &Statement{
		conn:                c,
		svc:                 c.svc,
		id:                  id,
		logger:              c.logger.With(slog.Int64("stmt", id)),
		resultSetType:       resultSetType,
		props:               props,
		fetchSize:           props.intValue(PropFetchSize, c.fetchSize),
		queryTimeout:        props.queryTimeout(c.queryTimeout),
		defaultQueryTimeout: props.queryTimeout(c.queryTimeout),
	}
	s.state.Store(int32(StateDone))
	s.reqID.Store(-1)
	return s
}

// ID returns the statement id which is unique within the process.
func (s *Statement) ID() int64 { return s.id }

// State returns the state of the last execution.
func (s *Statement) State() State { return State(s.state.Load()) }

// Connection returns the connection of the statement.
func (s *Statement) Connection() Conn { return s.conn }

// IsClosed reports whether the statement is closed.
func (s *Statement) IsClosed() bool { return s.closed.Load() }

func (s *Statement) checkClosed() error {
	if s.closed.Load() {
		return newUsageError(ErrStmtClosed)
	}
	return s.conn.checkClosed()
}

// Close closes the statement and its result sets. A request still running is not cancelled, its
// results are discarded.
func (s *Statement) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	rs, keys := s.resultSet, s.generatedKeys
	s.resultSet, s.generatedKeys = nil, nil
	s.batch = nil
	s.mu.Unlock()
	if rs != nil {
		rs.close(false)
	}
	if keys != nil {
		keys.close(false)
	}
	s.conn.deregister(s)
	return nil
}

// resetLocked clears the results of the previous execution.
func (s *Statement) resetLocked() {
	if s.resultSet != nil {
		s.resultSet.close(false)
		s.resultSet = nil
	}
	if s.generatedKeys != nil {
		s.generatedKeys.close(false)
		s.generatedKeys = nil
	}
	s.updateCounts = nil
	s.warnings = nil
	s.outParams, s.outNames = nil, nil
	s.pending = nil
	s.reqID.Store(-1)
}

func (s *Statement) resultSetClosed(rs *ResultSet) {
	s.mu.Lock()
	closeStmt := s.closeOnCompletion && s.resultSet == rs
	s.mu.Unlock()
	if closeStmt {
		s.Close()
	}
}

func cursorType(resultSetType int) dqp.CursorType {
	if resultSetType == TypeScrollInsensitive {
		return dqp.CursorScrollInsensitive
	}
	return dqp.CursorForwardOnly
}

func (s *Statement) newRequest(commands []string, opts execOptions) (*dqp.RequestMessage, time.Duration) {
	isolation := s.conn.TransactionIsolation()
	connPayload := s.conn.Payload()

	s.mu.Lock()
	defer s.mu.Unlock()
	req := &dqp.RequestMessage{
		Commands:                commands,
		Batched:                 opts.batched,
		Prepared:                opts.prepared,
		Callable:                opts.callable,
		PreparedBatch:           opts.preparedBatch,
		Parameters:              opts.params,
		ResultsMode:             opts.mode,
		CursorType:              cursorType(s.resultSetType),
		FetchSize:               s.fetchSize,
		RowLimit:                s.maxRows,
		TransactionIsolation:    int(isolation),
		ReturnAutoGeneratedKeys: s.returnGeneratedKeys,
		Continuous:              opts.continuous,
		Sync:                    opts.synch,
		ExecutionPayload:        connPayload,
	}
	if s.payload != nil {
		req.ExecutionPayload = maps.Clone(s.payload)
	}
	s.props.apply(req)
	if !s.conn.sc.IsLocal() {
		req.SpanContext = uuid.NewString()
	}
	return req, s.queryTimeout
}

/*
executeSQL executes commands. Single commands are checked for meta statements first which are
handled without a server call.

The returned future reports whether the execution produced a result set. For synchronous
executions the future is completed on return.
*/
func (s *Statement) executeSQL(ctx context.Context, commands []string, opts execOptions) (*dqp.ResultsFuture[bool], error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()

	if opts.continuous {
		if !s.conn.sc.SupportsContinuous() {
			return nil, newUnsupportedError(ErrContinuous)
		}
		if s.resultSetType != TypeForwardOnly {
			return nil, newUsageError(errors.New("continuous execution requires a forward only result set"))
		}
		if opts.mode == dqp.ResultsModeUpdateCount {
			return nil, newUsageError(errors.New("continuous execution does not return update counts"))
		}
	}

	if len(commands) == 1 && !opts.prepared {
		if ms, ok := metastmt.Parse(commands[0]); ok {
			return s.executeMeta(ctx, ms, opts)
		}
	}

	if err := s.conn.beginLocalTxnIfNeeded(ctx); err != nil {
		return nil, err
	}

	req, timeout := s.newRequest(commands, opts)
	result := dqp.NewResultsFuture[bool]()

	reqID := s.conn.nextRequestID()
	s.mu.Lock()
	s.pending = result
	s.reqID.Store(reqID)
	s.state.Store(int32(StateRunning))
	s.mu.Unlock()

	s.logger.Debug("execute request", slog.Int64("request", reqID), slog.Any("commands", commands), slog.String("mode", opts.mode.String()))
	start := time.Now()
	f := s.svc.ExecuteRequest(reqID, req)
	s.conn.metrics.addCounter(counterRequests, 1)

	// a synchronous remote wait is bounded by the timeout itself
	timerArmed := timeout > 0 && (!opts.synch || s.conn.sc.IsLocal())
	if timerArmed {
		timer := time.AfterFunc(timeout, func() { s.timeoutOccurred(reqID) })
		f.AddCompletionListener(func(*dqp.ResultsFuture[*dqp.ResultsMessage]) { timer.Stop() })
	}

	f.AddCompletionListener(func(f *dqp.ResultsFuture[*dqp.ResultsMessage]) {
		m, err := f.Result()
		var hasResultSet bool
		if err != nil {
			err = s.failed(reqID, err)
		} else {
			hasResultSet, err = s.postReceiveResults(reqID, req, m)
		}
		s.logger.Debug("request completed", slog.Int64("request", reqID), slog.Duration("duration", time.Since(start)), slog.Any("error", err))
		result.Complete(hasResultSet, err)
	})

	if !opts.synch {
		return result, nil
	}
	if err := s.wait(ctx, reqID, result, timeout, timerArmed); err != nil {
		return nil, err
	}
	return result, nil
}

// wait waits for the completion of a synchronous execution.
func (s *Statement) wait(ctx context.Context, reqID int64, result *dqp.ResultsFuture[bool], timeout time.Duration, timerArmed bool) error {
	var timeoutC <-chan time.Time
	if timeout > 0 && !timerArmed {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	select {
	case <-result.Done():
		return nil
	case <-timeoutC:
		s.timeoutOccurred(reqID)
		return newSQLError(ErrQueryTimeout)
	case <-ctx.Done():
		if err := s.Cancel(context.Background()); err != nil {
			s.logger.Warn("cancel", slog.Any("error", err))
		}
		return newSQLError(ctx.Err())
	}
}

func (s *Statement) interruptedError() error {
	if State(s.state.Load()) == StateTimedOut {
		return newSQLError(ErrQueryTimeout)
	}
	if s.closed.Load() {
		return newUsageError(ErrStmtClosed)
	}
	return newSQLError(ErrQueryCancelled)
}

// staleError is the error of a reply to a request the statement no longer waits for.
func (s *Statement) staleError() error {
	if s.closed.Load() {
		return newUsageError(ErrStmtClosed)
	}
	return newSQLError(ErrQueryCancelled)
}

// failed handles a transport failure of request reqID.
func (s *Statement) failed(reqID int64, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reqID != s.reqID.Load() {
		return s.staleError()
	}
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateDone)) {
		return s.interruptedError()
	}
	return newSQLError(err)
}

// closeRequest frees the server resources of request reqID without waiting for the response.
func (s *Statement) closeRequest(reqID int64) {
	s.svc.CloseRequest(reqID).AddCompletionListener(func(f *dqp.ResultsFuture[struct{}]) {
		if _, err := f.Result(); err != nil {
			s.logger.Warn("close request", slog.Int64("request", reqID), slog.Any("error", err))
		}
	})
}

// postReceiveResults materializes the response of request reqID.
func (s *Statement) postReceiveResults(reqID int64, req *dqp.RequestMessage, m *dqp.ResultsMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// a late reply of a timed out or cancelled request must not touch the state of a newer one
	if reqID != s.reqID.Load() {
		s.closeRequest(reqID)
		return false, s.staleError()
	}
	// the state check is the synchronization with Cancel and timeoutOccurred
	if s.closed.Load() || !s.state.CompareAndSwap(int32(StateRunning), int32(StateDone)) {
		s.closeRequest(reqID)
		return false, s.interruptedError()
	}

	for _, w := range m.Warnings {
		s.warnings = append(s.warnings, newWarning(w))
	}
	s.conn.setDiagnostics(m.Plan, m.DebugLog, m.Annotations)

	if m.Exception != nil && !m.Exception.IsBatchUpdate() {
		s.closeRequest(reqID)
		return false, newSQLError(m.Exception)
	}

	if m.UpdateResult || m.Exception != nil {
		s.closeRequest(reqID)
		if m.Exception != nil {
			return false, newSQLError(m.Exception)
		}
		counts, err := m.UpdateCounts()
		if err != nil {
			return false, newSQLError(err)
		}
		s.updateCounts = counts
		if m.GeneratedKeys != nil {
			s.generatedKeys = newMemoryResultSet(s, m.GeneratedKeys.Columns, m.GeneratedKeys.Rows)
		}
		return false, nil
	}

	numColumns := s.mapOutParamsLocked(m.Parameters, len(m.Columns))
	s.resultSet = newResultSet(s, reqID, m, numColumns, req.FetchSize, req.RowLimit)
	return true, nil
}

/*
mapOutParamsLocked builds the out parameter maps of a procedure result and returns the number
of visible result set columns.

The values of the out parameters are sent as additional columns of an additional last row. The
columns of a RESULT_SET parameter come first, followed by the RETURN_VALUE and the OUT and INOUT
parameters in declaration order. Parameter indexes count all parameters except RESULT_SET.
*/
func (s *Statement) mapOutParamsLocked(params []dqp.ParameterInfo, numColumns int) int {
	if len(params) == 0 {
		return numColumns
	}
	rsColumns := 0
	for _, p := range params {
		if p.Kind == dqp.ParamResultSet {
			rsColumns = p.NumColumns
		}
	}

	type outParam struct {
		index int
		name  string
	}
	var returnValue *outParam
	var outs []outParam
	index := 0
	for _, p := range params {
		if p.Kind == dqp.ParamResultSet {
			continue
		}
		index++
		switch p.Kind {
		case dqp.ParamReturnValue:
			returnValue = &outParam{index: index, name: p.Name}
		case dqp.ParamOut, dqp.ParamInOut:
			outs = append(outs, outParam{index: index, name: p.Name})
		}
	}
	if returnValue != nil {
		outs = append([]outParam{*returnValue}, outs...)
	}
	if len(outs) == 0 {
		return numColumns
	}

	s.outParams = make(map[int]int, len(outs))
	s.outNames = make(map[string]int, len(outs))
	for i, p := range outs {
		column := rsColumns + i + 1
		s.outParams[p.index] = column
		if p.name != "" {
			s.outNames[normalizeName(p.name)] = column
		}
	}
	return rsColumns
}

// Cancel cancels the running request. The state is set before the request is cancelled on the
// server, so a response arriving concurrently is discarded. Cancel is a no-op if no request is running.
func (s *Statement) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateCancelled)) {
		s.mu.Unlock()
		return nil
	}
	reqID := s.reqID.Load()
	pending := s.pending
	s.mu.Unlock()
	s.logger.Debug("cancel request", slog.Int64("request", reqID))
	err := s.cancelRequest(ctx, reqID)
	if pending != nil {
		pending.Complete(false, newSQLError(ErrQueryCancelled))
	}
	return err
}

func (s *Statement) cancelRequest(ctx context.Context, reqID int64) error {
	if reqID < 0 {
		return nil
	}
	start := time.Now()
	_, err := s.svc.CancelRequest(reqID).Get(ctx)
	s.conn.metrics.addTime(timeCancel, time.Since(start))
	s.conn.metrics.addCounter(counterCancels, 1)
	return newSQLError(err)
}

// timeoutOccurred cancels request reqID after the query timeout. Calls after the request
// completed or for a request other than the current one have no effect.
func (s *Statement) timeoutOccurred(reqID int64) {
	s.mu.Lock()
	if reqID != s.reqID.Load() || !s.state.CompareAndSwap(int32(StateRunning), int32(StateTimedOut)) {
		s.mu.Unlock()
		return
	}
	s.reqID.Store(-1)
	s.queryTimeout = s.defaultQueryTimeout
	pending := s.pending
	rs := s.resultSet
	s.resultSet = nil
	s.mu.Unlock()

	s.logger.Warn("query timeout", slog.Int64("request", reqID))
	s.conn.metrics.addCounter(counterTimeouts, 1)
	if err := s.cancelRequest(context.Background(), reqID); err != nil {
		s.logger.Warn("cancel", slog.Int64("request", reqID), slog.Any("error", err))
	}
	if rs != nil {
		rs.close(false)
	}
	if pending != nil {
		pending.Complete(false, newSQLError(ErrQueryTimeout))
	}
}

// Execute executes query. It returns true if the result is a result set.
func (s *Statement) Execute(ctx context.Context, query string) (bool, error) {
	f, err := s.executeSQL(ctx, []string{query}, execOptions{mode: dqp.ResultsModeEither, synch: true})
	if err != nil {
		return false, err
	}
	return f.Result()
}

// ExecuteQuery executes query and returns its result set.
func (s *Statement) ExecuteQuery(ctx context.Context, query string) (*ResultSet, error) {
	f, err := s.executeSQL(ctx, []string{query}, execOptions{mode: dqp.ResultsModeResultSet, synch: true})
	if err != nil {
		return nil, err
	}
	return s.resultSetOf(f)
}

func (s *Statement) resultSetOf(f *dqp.ResultsFuture[bool]) (*ResultSet, error) {
	if _, err := f.Result(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resultSet == nil {
		return nil, newUsageError(ErrResultSetExpected)
	}
	return s.resultSet, nil
}

// ExecuteUpdate executes query and returns its update count.
func (s *Statement) ExecuteUpdate(ctx context.Context, query string) (int, error) {
	counts, err := s.executeUpdate(ctx, []string{query}, false)
	if err != nil {
		return 0, err
	}
	if len(counts) == 0 {
		return 0, nil
	}
	return counts[0], nil
}

func (s *Statement) executeUpdate(ctx context.Context, commands []string, batched bool) ([]int, error) {
	f, err := s.executeSQL(ctx, commands, execOptions{mode: dqp.ResultsModeUpdateCount, synch: true, batched: batched})
	if err != nil {
		return nil, err
	}
	return s.updateCountsOf(f)
}

func (s *Statement) updateCountsOf(f *dqp.ResultsFuture[bool]) ([]int, error) {
	if _, err := f.Result(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateCounts == nil {
		return nil, newUsageError(ErrUpdateExpected)
	}
	return s.updateCounts, nil
}

// AddBatch adds query to the batch.
func (s *Statement) AddBatch(query string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = append(s.batch, query)
	return nil
}

// ClearBatch removes all commands of the batch.
func (s *Statement) ClearBatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = nil
}

// ExecuteBatch executes the commands of the batch in a single request and clears the batch.
// A partial failure is reported as *BatchUpdateError.
func (s *Statement) ExecuteBatch(ctx context.Context) ([]int, error) {
	s.mu.Lock()
	batch := s.batch
	s.batch = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return []int{}, s.checkClosed()
	}
	return s.executeUpdate(ctx, batch, true)
}

// SubmitExecute executes query asynchronously and passes the rows of the result to callback.
// The returned future is completed after callback.OnComplete or callback.OnException was called.
func (s *Statement) SubmitExecute(ctx context.Context, query string, callback StatementCallback, opts RequestOptions) (*dqp.ResultsFuture[struct{}], error) {
	f, err := s.executeSQL(ctx, []string{query}, execOptions{mode: dqp.ResultsModeResultSet, continuous: opts.Continuous})
	if err != nil {
		return nil, err
	}
	done := dqp.NewResultsFuture[struct{}]()
	f.AddCompletionListener(func(f *dqp.ResultsFuture[bool]) {
		// rows are fetched on a separate goroutine as listeners must not block
		s.conn.wg.Go(func() {
			err := s.processRows(ctx, f, callback)
			if err != nil {
				callback.OnException(s, err)
			} else {
				callback.OnComplete(s)
			}
			done.Complete(struct{}{}, err)
		})
	})
	return done, nil
}

func (s *Statement) processRows(ctx context.Context, f *dqp.ResultsFuture[bool], callback StatementCallback) error {
	rs, err := s.resultSetOf(f)
	if err != nil {
		return err
	}
	for {
		ok, err := rs.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := callback.OnRow(s, rs); err != nil {
			return newSQLError(err)
		}
	}
}

// ResultSet returns the result set of the last execution or nil.
func (s *Statement) ResultSet() *ResultSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resultSet
}

// UpdateCount returns the first update count of the last execution or -1 if there is none.
func (s *Statement) UpdateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updateCounts) == 0 {
		return -1
	}
	return s.updateCounts[0]
}

// UpdateCounts returns the update counts of the last execution.
func (s *Statement) UpdateCounts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateCounts
}

// GeneratedKeys returns the generated keys of the last update or nil. See SetReturnGeneratedKeys.
func (s *Statement) GeneratedKeys() *ResultSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generatedKeys
}

// SetReturnGeneratedKeys requests the generated keys of inserts.
func (s *Statement) SetReturnGeneratedKeys(b bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returnGeneratedKeys = b
}

// Warnings returns the warnings of the last execution.
func (s *Statement) Warnings() []*Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warnings
}

// ClearWarnings removes the warnings of the last execution.
func (s *Statement) ClearWarnings() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = nil
}

// CloseOnCompletion closes the statement when its result set is closed.
func (s *Statement) CloseOnCompletion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeOnCompletion = true
}

// IsCloseOnCompletion reports whether the statement is closed with its result set.
func (s *Statement) IsCloseOnCompletion() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeOnCompletion
}

// FetchSize returns the number of rows fetched per batch.
func (s *Statement) FetchSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchSize
}

// SetFetchSize sets the number of rows fetched per batch. Zero selects the connection default.
func (s *Statement) SetFetchSize(n int) error {
	if n < 0 {
		return newUsageError(errors.New("invalid fetch size"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == 0 {
		n = s.conn.fetchSize
	}
	s.fetchSize = n
	return nil
}

// MaxRows returns the maximum number of rows of a result set (0: unlimited).
func (s *Statement) MaxRows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRows
}

// SetMaxRows sets the maximum number of rows of a result set (0: unlimited).
func (s *Statement) SetMaxRows(n int) error {
	if n < 0 {
		return newUsageError(errors.New("invalid max rows"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxRows = n
	return nil
}

// MaxFieldSize returns the maximum number of bytes or characters returned for character and
// binary values (0: unlimited).
func (s *Statement) MaxFieldSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxFieldSize
}

// SetMaxFieldSize sets the maximum field size (0: unlimited).
func (s *Statement) SetMaxFieldSize(n int) error {
	if n < 0 {
		return newUsageError(errors.New("invalid max field size"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxFieldSize = n
	return nil
}

// QueryTimeout returns the query timeout in whole seconds. Fractions of a second are truncated.
func (s *Statement) QueryTimeout() int {
	return int(s.QueryTimeoutDuration() / time.Second)
}

// SetQueryTimeout sets the query timeout in seconds (0: no timeout).
func (s *Statement) SetQueryTimeout(seconds int) error {
	return s.SetQueryTimeoutDuration(time.Duration(seconds) * time.Second)
}

// QueryTimeoutDuration returns the query timeout.
func (s *Statement) QueryTimeoutDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryTimeout
}

// SetQueryTimeoutDuration sets the query timeout (0: no timeout).
func (s *Statement) SetQueryTimeoutDuration(d time.Duration) error {
	if d < 0 {
		return newUsageError(errors.New("invalid query timeout"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryTimeout = d
	return nil
}

// ExecutionProperty returns the execution property key of the statement.
func (s *Statement) ExecutionProperty(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props.get(key)
}

// SetExecutionProperty sets an execution property of the statement. The connection properties are not changed.
func (s *Statement) SetExecutionProperty(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setPropertyLocked(key, value)
}

func (s *Statement) setPropertyLocked(key, value string) {
	s.props.set(key, value)
	switch NormalizePropertyKey(key) {
	case PropFetchSize:
		if n := s.props.intValue(PropFetchSize, 0); n > 0 {
			s.fetchSize = n
		}
	case PropQueryTimeout:
		s.defaultQueryTimeout = s.props.queryTimeout(s.defaultQueryTimeout)
		s.queryTimeout = s.defaultQueryTimeout
	}
}

// SetPayload sets the execution payload sent instead of the session payload.
func (s *Statement) SetPayload(payload map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = maps.Clone(payload)
}
