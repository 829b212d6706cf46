package driver

import (
	"context"
	"database/sql/driver"
	"time"
)

// check if statements implements all required interfaces.
var (
	_ driver.Stmt              = (*stmt)(nil)
	_ driver.StmtExecContext   = (*stmt)(nil)
	_ driver.StmtQueryContext  = (*stmt)(nil)
	_ driver.NamedValueChecker = (*stmt)(nil)
)

// stmt is a database/sql prepared statement.
type stmt struct {
	conn *conn
	ps   *PreparedStatement
}

func newStmt(conn *conn, ps *PreparedStatement) *stmt { return &stmt{conn: conn, ps: ps} }

/*
NumInput returns -1 as the number of arguments differs dependent on the statement (the check is
done in QueryContext and ExecContext):
  - #args == #param:                 query, exec, call
  - #args == n * #param:             exec batch
*/
func (s *stmt) NumInput() int { return -1 }

// Close implements the driver.Stmt interface.
func (s *stmt) Close() error {
	if !s.conn.IsValid() {
		s.ps.Close()
		return driver.ErrBadConn
	}
	return s.ps.Close()
}

// CheckNamedValue implements NamedValueChecker interface.
func (s *stmt) CheckNamedValue(nv *driver.NamedValue) error { return checkNamedValue(nv) }

// Exec implements the driver.Stmt interface.
func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), namedValues(args))
}

// Query implements the driver.Stmt interface.
func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), namedValues(args))
}

// QueryContext implements the driver.StmtQueryContext interface.
func (s *stmt) QueryContext(ctx context.Context, nvargs []driver.NamedValue) (driver.Rows, error) {
	start := time.Now()
	rs, err := s.ps.query(ctx, nvargs)
	s.conn.metrics.addTime(timeQuery, time.Since(start))
	s.conn.trace(ctx, s.ps.sqlText, nvargs, start, err)
	if err != nil {
		return nil, err
	}
	return newRows(rs), nil
}

// ExecContext implements the driver.StmtExecContext interface.
func (s *stmt) ExecContext(ctx context.Context, nvargs []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	r, err := s.ps.exec(ctx, nvargs)
	s.conn.metrics.addTime(timeExec, time.Since(start))
	s.conn.trace(ctx, s.ps.sqlText, nvargs, start, err)
	return r, err
}

func namedValues(args []driver.Value) []driver.NamedValue {
	nvargs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		nvargs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return nvargs
}
