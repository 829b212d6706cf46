package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"maps"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbvirt/go-dbvirt/driver/dqp"
	"github.com/dbvirt/go-dbvirt/driver/sqltrace"
	"github.com/dbvirt/go-dbvirt/driver/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrUnsupportedIsolationLevel is the error raised if a transaction is started with a not supported isolation level.
var ErrUnsupportedIsolationLevel = errors.New("unsupported isolation level")

// ErrNestedTransaction is the error raised if a transaction is created within a transaction.
var ErrNestedTransaction = errors.New("nested transactions are not supported")

// Result set types.
const (
	TypeForwardOnly = iota
	TypeScrollInsensitive
	TypeScrollSensitive
)

// Result set concurrency modes.
const (
	ConcurReadOnly = iota
	ConcurUpdatable
)

// check if conn implements all required interfaces.
var (
	_ driver.Conn               = (*conn)(nil)
	_ driver.ConnPrepareContext = (*conn)(nil)
	_ driver.Pinger             = (*conn)(nil)
	_ driver.ConnBeginTx        = (*conn)(nil)
	_ driver.ExecerContext      = (*conn)(nil)
	_ driver.QueryerContext     = (*conn)(nil)
	_ driver.NamedValueChecker  = (*conn)(nil)
	_ driver.SessionResetter    = (*conn)(nil)
	_ driver.Validator          = (*conn)(nil)
	_ Conn                      = (*conn)(nil) // go-dbvirt enhancements
)

/*
Conn enhances a connection with dbvirt specific functions. It is accessible via sql.Conn.Raw.

Statements created by CreateStatement, PrepareStatement and PrepareCall are owned by the caller
and need to be closed. Closing the connection closes all of its statements.
*/
type Conn interface {
	CreateStatement(resultSetType, concurrency int) (*Statement, error)
	PrepareStatement(query string, resultSetType, concurrency int) (*PreparedStatement, error)
	PrepareCall(query string, resultSetType, concurrency int) (*CallableStatement, error)

	AutoCommit() bool
	SetAutoCommit(ctx context.Context, autoCommit bool) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	TransactionIsolation() sql.IsolationLevel
	SetTransactionIsolation(level sql.IsolationLevel) error
	ReadOnly() bool
	SetReadOnly(readOnly bool) error

	StartTransaction(ctx context.Context, xid dqp.XID, flags, timeout int) error
	EndTransaction(ctx context.Context, xid dqp.XID, flags int) error
	PrepareTransaction(ctx context.Context, xid dqp.XID) (int, error)
	CommitTransaction(ctx context.Context, xid dqp.XID, onePhase bool) error
	RollbackTransaction(ctx context.Context, xid dqp.XID) error
	ForgetTransaction(ctx context.Context, xid dqp.XID) error
	RecoverTransaction(ctx context.Context, flags int) ([]dqp.XID, error)

	PlanDescription() *dqp.PlanNode
	DebugLog() string
	Annotations() []dqp.Annotation

	ExecutionProperty(key string) (string, bool)
	SetExecutionProperty(key, value string)
	ExecutionProperties() map[string]string
	Payload() map[string]string
	SetPayloadProperty(key, value string)

	ServerConnection() dqp.ServerConnection
	Metadata(ctx context.Context, query string) (*dqp.MetadataResult, error)
	ChangeUser(ctx context.Context, user, password string) error
	RecycleConnection(ctx context.Context)
}

// characteristics are the transaction characteristics replaced by START TRANSACTION or BeginTx.
type characteristics struct {
	readOnly  bool
	isolation sql.IsolationLevel
}

// unique connection number.
var connNo atomic.Uint64

// conn is the implementation of the database/sql/driver Conn interface.
type conn struct {
	sc       dqp.ServerConnection
	svc      dqp.Service
	logger   *slog.Logger
	metrics  *metrics
	registry *types.Registry

	fetchSize         int
	maxOpenStatements int
	lobChunkSize      int
	queryTimeout      time.Duration
	sqlTrace          bool

	closed     atomic.Bool
	reqID      atomic.Int64
	statements *xsync.MapOf[*Statement, struct{}]
	metadata   *lru.Cache[string, *dqp.MetadataResult]
	wg         sync.WaitGroup // wait for asynchronous transaction calls when closing the connection.

	// txnMu serializes transaction state changes. It may be held while waiting for the server.
	txnMu      sync.Mutex
	autoCommit bool
	inLocalTxn bool
	xid        *dqp.XID
	isolation  sql.IsolationLevel
	readOnly   bool
	saved      *characteristics

	// mu guards session state which is updated by completion listeners. It is never held while
	// waiting for the server.
	mu          sync.RWMutex
	password    string
	props       properties
	payload     map[string]string
	plan        *dqp.PlanNode
	debugLog    string
	annotations []dqp.Annotation
}

func newConn(ctx context.Context, c *Connector) (*conn, error) {
	logger := c.Logger().With(slog.Uint64("conn", connNo.Add(1)))

	sc, err := c.openServerConnection(ctx, logger)
	if err != nil {
		return nil, newSQLError(err)
	}

	c.mu.RLock()
	conn := &conn{
		sc:                sc,
		svc:               sc.Service(),
		logger:            logger,
		metrics:           c.metrics,
		registry:          c.registry,
		fetchSize:         c.properties.intValue(PropFetchSize, c.fetchSize),
		maxOpenStatements: c.maxOpenStatements,
		lobChunkSize:      c.lobChunkSize,
		queryTimeout:      c.properties.queryTimeout(c.queryTimeout),
		sqlTrace:          c.sqlTrace,
		statements:        xsync.NewMapOf[*Statement, struct{}](),
		autoCommit:        true,
		isolation:         sql.LevelReadCommitted,
		password:          c.password,
		props:             c.properties.clone(),
	}
	cacheSize := c.metadataCacheSize
	c.mu.RUnlock()

	if cacheSize > 0 {
		if conn.metadata, err = lru.New[string, *dqp.MetadataResult](cacheSize); err != nil {
			sc.Close()
			return nil, err
		}
	}

	conn.metrics.addGauge(gaugeConn, 1)
	logon := sc.Logon()
	logger.Debug("session established", slog.String("session", logon.SessionID), slog.String("vdb", logon.VDB), slog.Bool("local", sc.IsLocal()))
	return conn, nil
}

func (c *conn) nextRequestID() int64 { return c.reqID.Add(1) }

func (c *conn) checkClosed() error {
	if c.closed.Load() {
		return newUsageError(ErrConnClosed)
	}
	if !c.sc.IsOpen() {
		return newSQLError(dqp.ErrClosed)
	}
	return nil
}

// Close implements the driver.Conn interface.
func (c *conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.statements.Range(func(s *Statement, _ struct{}) bool {
		if err := s.Close(); err != nil {
			c.logger.Warn("close statement", slog.Int64("stmt", s.id), slog.Any("error", err))
		}
		return true
	})
	c.wg.Wait()

	c.txnMu.Lock()
	if c.inLocalTxn || c.xid != nil {
		c.metrics.addGauge(gaugeTx, -1)
	}
	c.inLocalTxn, c.xid = false, nil
	c.txnMu.Unlock()

	err := c.sc.Close()
	if c.sc.IsLocal() {
		// in-process services are created per connection
		if closer, ok := c.svc.(io.Closer); ok {
			if cerr := closer.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}
	c.metrics.addGauge(gaugeConn, -1)
	c.logger.Debug("session closed")
	return err
}

// ResetSession implements the driver.SessionResetter interface.
func (c *conn) ResetSession(ctx context.Context) error {
	if !c.IsValid() {
		return driver.ErrBadConn
	}
	c.recycle(ctx, true)
	return nil
}

// IsValid implements the driver.Validator interface.
func (c *conn) IsValid() bool { return !c.closed.Load() && c.sc.IsOpen() }

// Ping implements the driver.Pinger interface.
func (c *conn) Ping(ctx context.Context) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	return newSQLError(c.sc.Ping(ctx))
}

// PrepareContext implements the driver.ConnPrepareContext interface.
func (c *conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	ps, err := c.prepare(query, isCall(query), TypeForwardOnly, ConcurReadOnly)
	if err != nil {
		return nil, err
	}
	ps.pooled = true
	return newStmt(c, ps), nil
}

// Prepare implements the driver.Conn interface.
func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

// Begin implements the driver.Conn interface.
func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// QueryContext implements the driver.QueryerContext interface.
func (c *conn) QueryContext(ctx context.Context, query string, nvargs []driver.NamedValue) (driver.Rows, error) {
	start := time.Now()
	rows, err := c.query(ctx, query, nvargs)
	c.metrics.addTime(timeQuery, time.Since(start))
	c.trace(ctx, query, nvargs, start, err)
	return rows, err
}

func (c *conn) query(ctx context.Context, query string, nvargs []driver.NamedValue) (driver.Rows, error) {
	if len(nvargs) == 0 && !isCall(query) {
		s, err := c.createStatement(TypeForwardOnly, ConcurReadOnly)
		if err != nil {
			return nil, err
		}
		s.CloseOnCompletion()
		rs, err := s.ExecuteQuery(ctx, query)
		if err != nil {
			s.Close()
			return nil, err
		}
		return newRows(rs), nil
	}

	ps, err := c.prepare(query, isCall(query) || hasOutArgs(nvargs), TypeForwardOnly, ConcurReadOnly)
	if err != nil {
		return nil, err
	}
	ps.CloseOnCompletion()
	rs, err := ps.query(ctx, nvargs)
	if err != nil {
		ps.Close()
		return nil, err
	}
	return newRows(rs), nil
}

// ExecContext implements the driver.ExecerContext interface.
func (c *conn) ExecContext(ctx context.Context, query string, nvargs []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	result, err := c.exec(ctx, query, nvargs)
	c.metrics.addTime(timeExec, time.Since(start))
	c.trace(ctx, query, nvargs, start, err)
	return result, err
}

func (c *conn) exec(ctx context.Context, query string, nvargs []driver.NamedValue) (driver.Result, error) {
	if len(nvargs) == 0 && !isCall(query) {
		s, err := c.createStatement(TypeForwardOnly, ConcurReadOnly)
		if err != nil {
			return nil, err
		}
		defer s.Close()
		counts, err := s.executeUpdate(ctx, []string{query}, false)
		if err != nil {
			return nil, err
		}
		return newResult(counts, s.GeneratedKeys()), nil
	}

	ps, err := c.prepare(query, isCall(query) || hasOutArgs(nvargs), TypeForwardOnly, ConcurReadOnly)
	if err != nil {
		return nil, err
	}
	defer ps.Close()
	return ps.exec(ctx, nvargs)
}

func (c *conn) trace(ctx context.Context, query string, nvargs []driver.NamedValue, start time.Time, err error) {
	if !c.sqlTrace && !sqltrace.On() {
		return
	}
	var args []any
	if len(nvargs) != 0 {
		args = make([]any, len(nvargs))
		for i, nv := range nvargs {
			args[i] = nv.Value
		}
	}
	sqltrace.Log(ctx, c.logger, query, args, time.Since(start), err)
}

// CheckNamedValue implements the NamedValueChecker interface.
func (c *conn) CheckNamedValue(nv *driver.NamedValue) error { return checkNamedValue(nv) }

// checkNamedValue accepts all values the type system can handle: out parameters, driver.Valuer
// values and all canonical values (see types.Normalize).
func checkNamedValue(nv *driver.NamedValue) error {
	switch v := nv.Value.(type) {
	case sql.Out:
		return nil
	case driver.Valuer:
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
			nv.Value = nil
			return nil
		}
		value, err := v.Value()
		if err != nil {
			return err
		}
		nv.Value = value
	}
	nv.Value = types.Normalize(nv.Value)
	return nil
}

// isCall reports whether query is a procedure call in escape syntax ({call ...} or {? = call ...}).
func isCall(query string) bool {
	return strings.HasPrefix(strings.TrimSpace(query), "{")
}

func hasOutArgs(nvargs []driver.NamedValue) bool {
	for _, nv := range nvargs {
		if _, ok := nv.Value.(sql.Out); ok {
			return true
		}
	}
	return false
}

// statement factory

func checkResultSetType(resultSetType, concurrency int) error {
	switch resultSetType {
	case TypeForwardOnly, TypeScrollInsensitive:
	case TypeScrollSensitive:
		return newUnsupportedError(ErrScrollSensitive)
	default:
		return newUsageError(errors.New("invalid result set type"))
	}
	switch concurrency {
	case ConcurReadOnly:
	case ConcurUpdatable:
		return newUnsupportedError(ErrUpdatableResultSet)
	default:
		return newUsageError(errors.New("invalid result set concurrency"))
	}
	return nil
}

// register adds s to the open statements. Exceeding the maximum number of open statements closes the connection.
func (c *conn) register(s *Statement) error {
	c.statements.Store(s, struct{}{})
	if c.statements.Size() > c.maxOpenStatements {
		c.statements.Delete(s)
		c.logger.Error("maximum number of open statements exceeded - closing connection", slog.Int("max", c.maxOpenStatements))
		c.Close()
		return newUsageError(ErrTooManyStatements)
	}
	c.metrics.addGauge(gaugeStmt, 1)
	return nil
}

func (c *conn) deregister(s *Statement) {
	if _, ok := c.statements.LoadAndDelete(s); ok {
		c.metrics.addGauge(gaugeStmt, -1)
	}
}

func (c *conn) createStatement(resultSetType, concurrency int) (*Statement, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	if err := checkResultSetType(resultSetType, concurrency); err != nil {
		return nil, err
	}
	s := newStatement(c, resultSetType)
	if err := c.register(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *conn) prepare(query string, callable bool, resultSetType, concurrency int) (*PreparedStatement, error) {
	s, err := c.createStatement(resultSetType, concurrency)
	if err != nil {
		return nil, err
	}
	return newPreparedStatement(s, query, callable), nil
}

// CreateStatement implements the Conn interface.
func (c *conn) CreateStatement(resultSetType, concurrency int) (*Statement, error) {
	return c.createStatement(resultSetType, concurrency)
}

// PrepareStatement implements the Conn interface.
func (c *conn) PrepareStatement(query string, resultSetType, concurrency int) (*PreparedStatement, error) {
	return c.prepare(query, false, resultSetType, concurrency)
}

// PrepareCall implements the Conn interface.
func (c *conn) PrepareCall(query string, resultSetType, concurrency int) (*CallableStatement, error) {
	ps, err := c.prepare(query, true, resultSetType, concurrency)
	if err != nil {
		return nil, err
	}
	return &CallableStatement{PreparedStatement: ps}, nil
}

// recycle resets the session for reuse by a pool. Failures are logged and ignored.
func (c *conn) recycle(ctx context.Context, keepPooled bool) {
	c.statements.Range(func(s *Statement, _ struct{}) bool {
		if keepPooled && s.pooled {
			return true
		}
		if err := s.Close(); err != nil {
			c.logger.Warn("recycle: close statement", slog.Int64("stmt", s.id), slog.Any("error", err))
		}
		return true
	})

	c.txnMu.Lock()
	xid := c.xid
	c.txnMu.Unlock()
	if xid != nil {
		if err := c.RollbackTransaction(ctx, *xid); err != nil {
			c.logger.Warn("recycle: rollback xa transaction", slog.String("xid", xid.String()), slog.Any("error", err))
		}
	}
	c.txnMu.Lock()
	if err := c.rollback(ctx, false); err != nil {
		c.logger.Warn("recycle: rollback", slog.Any("error", err))
	}
	c.txnMu.Unlock()

	c.mu.Lock()
	c.payload = nil
	c.mu.Unlock()
}

// RecycleConnection implements the Conn interface. All statements are closed, open transactions
// are rolled back and the session payload is cleared.
func (c *conn) RecycleConnection(ctx context.Context) { c.recycle(ctx, false) }

// ServerConnection implements the Conn interface.
func (c *conn) ServerConnection() dqp.ServerConnection { return c.sc }

// Metadata implements the Conn interface. Results are cached per connection.
func (c *conn) Metadata(ctx context.Context, query string) (*dqp.MetadataResult, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	if c.metadata != nil {
		if md, ok := c.metadata.Get(query); ok {
			return md, nil
		}
	}
	md, err := c.svc.GetMetadata(c.nextRequestID(), query).Get(ctx)
	if err != nil {
		return nil, newSQLError(err)
	}
	if c.metadata != nil {
		c.metadata.Add(query, md)
	}
	return md, nil
}

// ChangeUser implements the Conn interface. The session keeps its identity if the change fails.
func (c *conn) ChangeUser(ctx context.Context, user, password string) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if err := c.sc.ChangeUser(ctx, user, password); err != nil {
		return newSQLError(err)
	}
	c.mu.Lock()
	c.password = password
	c.mu.Unlock()
	if c.metadata != nil {
		c.metadata.Purge()
	}
	c.logger.Debug("session user changed", slog.String("user", user))
	return nil
}

func (c *conn) currentPassword() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.password
}

func (c *conn) setPassword(password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.password = password
}

// execution properties

// ExecutionProperty implements the Conn interface.
func (c *conn) ExecutionProperty(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.props.get(key)
}

// SetExecutionProperty implements the Conn interface. Statements created before keep their properties.
func (c *conn) SetExecutionProperty(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props.set(key, value)
}

// ExecutionProperties implements the Conn interface.
func (c *conn) ExecutionProperties() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.props.clone()
}

func (c *conn) localTxnDisabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.props.boolValue(PropDisableLocalTxn, false)
}

// Payload implements the Conn interface.
func (c *conn) Payload() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.payload)
}

// SetPayloadProperty implements the Conn interface. The session payload is sent with each request.
func (c *conn) SetPayloadProperty(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.payload == nil {
		c.payload = make(map[string]string)
	}
	c.payload[key] = value
}

// diagnostics

func (c *conn) setDiagnostics(plan *dqp.PlanNode, debugLog string, annotations []dqp.Annotation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plan, c.debugLog, c.annotations = plan, debugLog, annotations
}

// PlanDescription implements the Conn interface. It returns the plan of the last executed query or nil.
func (c *conn) PlanDescription() *dqp.PlanNode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.plan
}

// DebugLog implements the Conn interface.
func (c *conn) DebugLog() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.debugLog
}

// Annotations implements the Conn interface.
func (c *conn) Annotations() []dqp.Annotation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.annotations
}
