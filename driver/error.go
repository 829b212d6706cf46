package driver

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/dbvirt/go-dbvirt/driver/dqp"
	"github.com/dbvirt/go-dbvirt/driver/lob"
	"github.com/dbvirt/go-dbvirt/driver/types"
)

// SQLState values reported by the driver.
const (
	SQLStateConnectionLost = "08S01"
	SQLStateAuthorization  = "28000"
	SQLStateQueryCancelled = "57014"
	SQLStateProcessing     = "38000"
	SQLStateUsage          = "HY010"
	SQLStateUnsupported    = "0A000"
	SQLStateTransformation = "22018"
	SQLStateWarning        = "01000"
)

// maxCauseDepth bounds the walk through an error chain.
const maxCauseDepth = 100

// Usage errors.
var (
	ErrStmtClosed        = errors.New("statement is closed")
	ErrConnClosed        = errors.New("connection is closed")
	ErrInXATransaction   = errors.New("in XA transaction")
	ErrInLocalTxn        = errors.New("in local transaction")
	ErrResultSetExpected = errors.New("statement does not return a result set")
	ErrUpdateExpected    = errors.New("statement does not return an update count")
	ErrTooManyStatements = errors.New("maximum number of open statements exceeded")
	ErrResultSetClosed   = errors.New("result set is closed")
	ErrNoCurrentRow      = errors.New("no current row")
	ErrQueryTimeout      = errors.New("query timed out")
	ErrQueryCancelled    = errors.New("query cancelled")
)

// Unsupported feature errors.
var (
	ErrScrollSensitive    = errors.New("scroll sensitive result sets are not supported")
	ErrUpdatableResultSet = errors.New("updatable result sets are not supported")
	ErrContinuous         = errors.New("continuous execution is not supported by the connection")
)

/*
Error is the error returned by all connection, statement and result set operations.

An Error carries a SQLState and, for errors reported by the server, a vendor code. The original
error and, for multi-cause server reports, the nested server errors converted into an Error are
accessible by errors.Is and errors.As.
*/
type Error struct {
	sqlState string
	code     string
	msg      string
	cause    error
	next     *Error
}

func (e *Error) Error() string {
	if e.code != "" {
		return fmt.Sprintf("%s [%s] %s", e.sqlState, e.code, e.msg)
	}
	return fmt.Sprintf("%s %s", e.sqlState, e.msg)
}

// SQLState returns the SQLState of the error.
func (e *Error) SQLState() string { return e.sqlState }

// Code returns the vendor code of the error or an empty string.
func (e *Error) Code() string { return e.code }

// Message returns the error text.
func (e *Error) Message() string { return e.msg }

// Next returns the error nested by a multi-cause server report, or nil.
func (e *Error) Next() *Error { return e.next }

// IsWarning returns true for warnings.
func (e *Error) IsWarning() bool { return e.sqlState == SQLStateWarning }

// Unwrap returns the original error and the nested server error.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	if e.next != nil {
		errs = append(errs, e.next)
	}
	return errs
}

// BatchUpdateError reports a batch which failed after a number of commands were executed.
type BatchUpdateError struct {
	err *Error
	// UpdateCounts are the counts of the commands executed before the failure.
	UpdateCounts []int
}

func (e *BatchUpdateError) Error() string { return e.err.Error() }

// SQLState returns the SQLState of the failed command.
func (e *BatchUpdateError) SQLState() string { return e.err.sqlState }

// Unwrap returns the error of the failed command.
func (e *BatchUpdateError) Unwrap() error { return e.err }

func newUsageError(err error) *Error {
	return &Error{sqlState: SQLStateUsage, msg: err.Error(), cause: err}
}

func newUnsupportedError(err error) *Error {
	return &Error{sqlState: SQLStateUnsupported, msg: err.Error(), cause: err}
}

func newWarning(sErr *dqp.ServerError) *Error {
	e := fromServerError(sErr, 0)
	e.sqlState = SQLStateWarning
	return e
}

// rootCause returns the innermost error of err. The walk stops at self references.
func rootCause(err error) error {
	for range maxCauseDepth {
		var cause error
		switch x := err.(type) {
		case interface{ Unwrap() error }:
			cause = x.Unwrap()
		case interface{ Unwrap() []error }:
			if errs := x.Unwrap(); len(errs) != 0 {
				cause = errs[0]
			}
		}
		if cause == nil || cause == err {
			return err
		}
		err = cause
	}
	return err
}

func serverState(sErr *dqp.ServerError) string {
	if sErr.State != "" {
		return sErr.State
	}
	switch sErr.Kind {
	case dqp.KindLogon:
		return SQLStateAuthorization
	case dqp.KindCommunication:
		return SQLStateConnectionLost
	case dqp.KindCancelled:
		return SQLStateQueryCancelled
	default:
		return SQLStateProcessing
	}
}

func fromServerError(sErr *dqp.ServerError, depth int) *Error {
	e := &Error{sqlState: serverState(sErr), code: sErr.Code, msg: sErr.Message, cause: sErr}
	if sErr.Cause != nil && sErr.Cause != sErr && depth < maxCauseDepth {
		e.next = fromServerError(sErr.Cause, depth+1)
	}
	return e
}

func isConnectionError(err error) bool {
	if errors.Is(err, dqp.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && !netErr.Timeout()
}

// newSQLError normalizes err into an *Error. Errors of type *Error and *BatchUpdateError are returned unchanged.
func newSQLError(err error) error {
	if err == nil {
		return nil
	}
	var bErr *BatchUpdateError
	if errors.As(err, &bErr) {
		return bErr
	}
	var sqlErr *Error
	if errors.As(err, &sqlErr) {
		return sqlErr
	}

	var sErr *dqp.ServerError
	if errors.As(err, &sErr) {
		e := fromServerError(sErr, 0)
		if sErr.Kind == dqp.KindBatchUpdate {
			return &BatchUpdateError{err: e, UpdateCounts: sErr.UpdateCounts}
		}
		if err != error(sErr) {
			e.msg = err.Error()
			e.cause = err
		}
		return e
	}

	e := &Error{sqlState: SQLStateProcessing, msg: err.Error(), cause: err}
	var tErr *types.TransformationError
	switch root := rootCause(err); {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrQueryCancelled), errors.Is(err, ErrQueryTimeout):
		e.sqlState = SQLStateQueryCancelled
	case errors.As(err, &tErr):
		e.sqlState = SQLStateTransformation
	case errors.Is(err, lob.ErrFreed), errors.Is(err, lob.ErrStreaming), errors.Is(err, lob.ErrConsumed):
		e.sqlState = SQLStateUsage
	case isConnectionError(err), isConnectionError(root):
		e.sqlState = SQLStateConnectionLost
	}
	return e
}
