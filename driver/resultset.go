package driver

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dbvirt/go-dbvirt/driver/dqp"
	"github.com/dbvirt/go-dbvirt/driver/lob"
	"github.com/dbvirt/go-dbvirt/driver/types"
)

var errForwardOnly = errors.New("result set is forward only")

/*
ResultSet is a cursor over the rows of a query result. Rows are fetched from the server in
batches of the fetch size. Column indexes are 1-based.

The values of out parameters of a procedure call are not part of the rows and are accessed through
the CallableStatement.
*/
type ResultSet struct {
	stmt         *Statement
	svc          dqp.Service
	reqID        int64 // -1 for results held in memory
	columns      []dqp.Column
	fetchSize    int
	maxRows      int
	maxFieldSize int
	scrollable   bool
	hasOutRow    bool
	registry     *types.Registry
	fetcher      lob.ChunkFetcher
	chunkSize    int

	mu         sync.Mutex
	closed     bool
	batch      [][]any
	batchFirst int64
	cursor     int64 // current row, 0: before the first row
	lastRow    int64 // number of rows, -1 if unknown
	finalRow   int64 // number of server rows including the out parameter row, -1 if unknown
	outRow     []any
	row        []any
	wasNull    bool
}

// newResultSet is called with s.mu held.
func newResultSet(s *Statement, reqID int64, m *dqp.ResultsMessage, numColumns, fetchSize, maxRows int) *ResultSet {
	rs := &ResultSet{
		stmt:         s,
		svc:          s.svc,
		reqID:        reqID,
		columns:      m.Columns[:numColumns],
		fetchSize:    fetchSize,
		maxRows:      maxRows,
		maxFieldSize: s.maxFieldSize,
		scrollable:   s.resultSetType == TypeScrollInsensitive,
		hasOutRow:    s.outParams != nil,
		registry:     s.conn.registry,
		fetcher:      lobFetcher{svc: s.svc},
		chunkSize:    s.conn.lobChunkSize,
		lastRow:      -1,
		finalRow:     -1,
	}
	rs.setBatch(m)
	return rs
}

// newMemoryResultSet returns a result set over rows held by the client. It is called with s.mu held.
func newMemoryResultSet(s *Statement, columns []dqp.Column, rows [][]any) *ResultSet {
	n := int64(len(rows))
	return &ResultSet{
		stmt:         s,
		svc:          s.svc,
		reqID:        -1,
		columns:      columns,
		maxFieldSize: s.maxFieldSize,
		scrollable:   true,
		registry:     s.conn.registry,
		batch:        rows,
		batchFirst:   1,
		lastRow:      n,
		finalRow:     n,
	}
}

func (rs *ResultSet) setBatch(m *dqp.ResultsMessage) {
	rs.batch, rs.batchFirst = m.Rows, m.FirstRow
	if m.FinalRow >= 0 {
		rs.finalRow = m.FinalRow
		rs.lastRow = m.FinalRow
		if rs.hasOutRow {
			rs.lastRow--
		}
	}
	if rs.hasOutRow && rs.finalRow > 0 && rs.inBatch(rs.finalRow) {
		rs.outRow = rs.batch[rs.finalRow-rs.batchFirst]
	}
	rs.attachLobs(rs.batch)
}

func (rs *ResultSet) attachLobs(rows [][]any) {
	type attacher interface {
		Attach(fetcher lob.ChunkFetcher, chunkSize int)
	}
	for _, row := range rows {
		for _, v := range row {
			if a, ok := v.(attacher); ok {
				a.Attach(rs.fetcher, rs.chunkSize)
			}
		}
	}
}

func (rs *ResultSet) inBatch(row int64) bool {
	return row >= rs.batchFirst && row < rs.batchFirst+int64(len(rs.batch))
}

func (rs *ResultSet) fetchLocked(ctx context.Context, first int64) error {
	if rs.reqID < 0 {
		return nil
	}
	start := time.Now()
	m, err := rs.svc.ProcessCursorRequest(rs.reqID, first, rs.fetchSize).Get(ctx)
	rs.stmt.conn.metrics.addTime(timeFetch, time.Since(start))
	if err != nil {
		return newSQLError(err)
	}
	if m.Exception != nil {
		return newSQLError(m.Exception)
	}
	rs.setBatch(m)
	if len(m.Rows) == 0 && rs.lastRow < 0 {
		rs.lastRow = first - 1
	}
	return nil
}

func (rs *ResultSet) checkClosedLocked() error {
	if rs.closed {
		return newUsageError(ErrResultSetClosed)
	}
	return nil
}

// limitLocked returns the last accessible row or -1 if unknown.
func (rs *ResultSet) limitLocked() int64 {
	last := rs.lastRow
	if rs.maxRows > 0 && (last < 0 || last > int64(rs.maxRows)) {
		last = int64(rs.maxRows)
	}
	return last
}

// moveLocked positions the cursor on row. Positions outside of the result leave the cursor
// before the first or after the last row.
func (rs *ResultSet) moveLocked(ctx context.Context, row int64) (bool, error) {
	rs.row = nil
	if row <= 0 {
		rs.cursor = 0
		return false, nil
	}
	if limit := rs.limitLocked(); limit >= 0 && row > limit {
		rs.cursor = limit + 1
		return false, nil
	}
	if !rs.inBatch(row) {
		if err := rs.fetchLocked(ctx, row); err != nil {
			return false, err
		}
		if !rs.inBatch(row) {
			rs.cursor = row
			if limit := rs.limitLocked(); limit >= 0 {
				rs.cursor = limit + 1
			}
			return false, nil
		}
		if limit := rs.limitLocked(); limit >= 0 && row > limit {
			rs.cursor = limit + 1
			return false, nil
		}
	}
	rs.cursor = row
	rs.row = rs.batch[row-rs.batchFirst]
	return true, nil
}

// Next moves the cursor to the next row. It returns false after the last row.
func (rs *ResultSet) Next(ctx context.Context) (bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if err := rs.checkClosedLocked(); err != nil {
		return false, err
	}
	if limit := rs.limitLocked(); limit >= 0 && rs.cursor > limit {
		return false, nil
	}
	return rs.moveLocked(ctx, rs.cursor+1)
}

func (rs *ResultSet) checkScrollableLocked() error {
	if err := rs.checkClosedLocked(); err != nil {
		return err
	}
	if !rs.scrollable {
		return newUsageError(errForwardOnly)
	}
	return nil
}

// rowCountLocked fetches batches until the number of rows is known.
func (rs *ResultSet) rowCountLocked(ctx context.Context) (int64, error) {
	for rs.lastRow < 0 {
		if err := rs.fetchLocked(ctx, rs.batchFirst+int64(len(rs.batch))); err != nil {
			return 0, err
		}
	}
	return rs.limitLocked(), nil
}

// Absolute moves the cursor to row. Negative rows count from the end (-1 is the last row).
// Only scroll insensitive result sets can be positioned.
func (rs *ResultSet) Absolute(ctx context.Context, row int64) (bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if err := rs.checkScrollableLocked(); err != nil {
		return false, err
	}
	if row < 0 {
		n, err := rs.rowCountLocked(ctx)
		if err != nil {
			return false, err
		}
		row = n + row + 1
	}
	return rs.moveLocked(ctx, row)
}

// Relative moves the cursor by n rows.
func (rs *ResultSet) Relative(ctx context.Context, n int64) (bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if err := rs.checkScrollableLocked(); err != nil {
		return false, err
	}
	return rs.moveLocked(ctx, max(rs.cursor+n, 0))
}

// Previous moves the cursor to the previous row.
func (rs *ResultSet) Previous(ctx context.Context) (bool, error) { return rs.Relative(ctx, -1) }

// First moves the cursor to the first row.
func (rs *ResultSet) First(ctx context.Context) (bool, error) { return rs.Absolute(ctx, 1) }

// Last moves the cursor to the last row.
func (rs *ResultSet) Last(ctx context.Context) (bool, error) { return rs.Absolute(ctx, -1) }

// BeforeFirst moves the cursor before the first row.
func (rs *ResultSet) BeforeFirst() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if err := rs.checkScrollableLocked(); err != nil {
		return err
	}
	rs.cursor, rs.row = 0, nil
	return nil
}

// RowNumber returns the current row number, 0 if there is no current row.
func (rs *ResultSet) RowNumber() int64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.row == nil {
		return 0
	}
	return rs.cursor
}

// Columns returns the column descriptions.
func (rs *ResultSet) Columns() []dqp.Column { return rs.columns }

// FindColumn returns the index of the column with label or name (case-insensitive).
func (rs *ResultSet) FindColumn(name string) (int, error) {
	for i := range rs.columns {
		if strings.EqualFold(rs.columns[i].DisplayName(), name) {
			return i + 1, nil
		}
	}
	for i := range rs.columns {
		if strings.EqualFold(rs.columns[i].Name, name) {
			return i + 1, nil
		}
	}
	return 0, newUsageError(fmt.Errorf("column %q not found", name))
}

// Statement returns the statement which produced the result set.
func (rs *ResultSet) Statement() *Statement { return rs.stmt }

// IsClosed reports whether the result set is closed.
func (rs *ResultSet) IsClosed() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.closed
}

// Close closes the result set and frees the request on the server.
func (rs *ResultSet) Close() error {
	rs.close(true)
	return nil
}

func (rs *ResultSet) close(notify bool) {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return
	}
	rs.closed = true
	rs.batch, rs.row, rs.outRow = nil, nil, nil
	rs.mu.Unlock()

	if rs.reqID >= 0 {
		rs.stmt.closeRequest(rs.reqID)
	}
	if notify {
		rs.stmt.resultSetClosed(rs)
	}
}

// Row returns the values of the current row.
func (rs *ResultSet) Row() ([]any, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if err := rs.checkClosedLocked(); err != nil {
		return nil, err
	}
	if rs.row == nil {
		return nil, newUsageError(ErrNoCurrentRow)
	}
	return rs.row[:len(rs.columns)], nil
}

// outParameters returns the out parameter row of a procedure result.
func (rs *ResultSet) outParameters(ctx context.Context) ([]any, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.hasOutRow {
		return nil, newUsageError(errors.New("no out parameters"))
	}
	if rs.outRow != nil {
		return rs.outRow, nil
	}
	if err := rs.checkClosedLocked(); err != nil {
		return nil, err
	}
	if rs.finalRow <= 0 {
		return nil, newUsageError(errors.New("out parameters are not available before the result is complete"))
	}
	m, err := rs.svc.ProcessCursorRequest(rs.reqID, rs.finalRow, 1).Get(ctx)
	if err != nil {
		return nil, newSQLError(err)
	}
	if m.Exception != nil {
		return nil, newSQLError(m.Exception)
	}
	if len(m.Rows) == 0 {
		return nil, newUsageError(errors.New("out parameter row not found"))
	}
	rs.attachLobs(m.Rows[:1])
	rs.outRow = m.Rows[0]
	return rs.outRow, nil
}

// Get returns the value of column i of the current row.
func (rs *ResultSet) Get(i int) (any, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if err := rs.checkClosedLocked(); err != nil {
		return nil, err
	}
	if rs.row == nil {
		return nil, newUsageError(ErrNoCurrentRow)
	}
	if i < 1 || i > len(rs.columns) {
		return nil, newUsageError(fmt.Errorf("invalid column index %d", i))
	}
	v := rs.row[i-1]
	rs.wasNull = v == nil
	return v, nil
}

// WasNull reports whether the last value read was null.
func (rs *ResultSet) WasNull() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.wasNull
}

// GetAs returns the value of column i converted to t. Null is returned as nil.
func (rs *ResultSet) GetAs(i int, t types.Type) (any, error) {
	v, err := rs.Get(i)
	if err != nil || v == nil {
		return nil, err
	}
	v, err = rs.registry.TransformValue(v, t)
	if err != nil {
		return nil, newSQLError(err)
	}
	return v, nil
}

// GetString returns the value of column i as string. Null is returned as the empty string.
func (rs *ResultSet) GetString(i int) (string, error) {
	v, err := rs.GetAs(i, stringType)
	if err != nil || v == nil {
		return "", err
	}
	s := v.(string)
	if rs.maxFieldSize > 0 && utf8.RuneCountInString(s) > rs.maxFieldSize {
		s = string([]rune(s)[:rs.maxFieldSize])
	}
	return s, nil
}

// GetBytes returns the value of column i as byte slice.
func (rs *ResultSet) GetBytes(i int) ([]byte, error) {
	v, err := rs.GetAs(i, types.Scalar(types.DtVarbinary))
	if err != nil || v == nil {
		return nil, err
	}
	b := v.([]byte)
	if rs.maxFieldSize > 0 && len(b) > rs.maxFieldSize {
		b = b[:rs.maxFieldSize]
	}
	return b, nil
}

// GetInt64 returns the value of column i as int64. Null is returned as 0.
func (rs *ResultSet) GetInt64(i int) (int64, error) {
	v, err := rs.GetAs(i, types.Scalar(types.DtLong))
	if err != nil || v == nil {
		return 0, err
	}
	return v.(int64), nil
}

// GetFloat64 returns the value of column i as float64. Null is returned as 0.
func (rs *ResultSet) GetFloat64(i int) (float64, error) {
	v, err := rs.GetAs(i, types.Scalar(types.DtDouble))
	if err != nil || v == nil {
		return 0, err
	}
	return v.(float64), nil
}

// GetBool returns the value of column i as bool. Null is returned as false.
func (rs *ResultSet) GetBool(i int) (bool, error) {
	v, err := rs.GetAs(i, types.Scalar(types.DtBoolean))
	if err != nil || v == nil {
		return false, err
	}
	return v.(bool), nil
}

// GetTime returns the value of column i as time. Null is returned as the zero time.
func (rs *ResultSet) GetTime(i int) (time.Time, error) {
	v, err := rs.GetAs(i, types.Scalar(types.DtTimestamp))
	if err != nil || v == nil {
		return time.Time{}, err
	}
	return v.(time.Time), nil
}

// GetRat returns the value of column i as decimal. Null is returned as nil.
func (rs *ResultSet) GetRat(i int) (*big.Rat, error) {
	v, err := rs.GetAs(i, types.Scalar(types.DtBigDecimal))
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*big.Rat), nil
}

// GetLob returns the large object value of column i. Null is returned as nil.
func (rs *ResultSet) GetLob(i int) (lob.Value, error) {
	v, err := rs.Get(i)
	if err != nil || v == nil {
		return nil, err
	}
	lv, ok := v.(lob.Value)
	if !ok {
		return nil, newUsageError(fmt.Errorf("column %d is not a large object: %T", i, v))
	}
	return lv, nil
}

// normalizeName returns the lookup key of a parameter name.
func normalizeName(name string) string { return strings.ToUpper(strings.TrimPrefix(name, "@")) }
