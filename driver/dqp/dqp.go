/*
Package dqp defines the contract between the driver and the DQP (distributed query processor) service.

All service calls are asynchronous: they return a ResultsFuture which is completed by the transport.
Implementations of Service are provided by the transports in the sub-packages local (in-process)
and wire (remote).
*/
package dqp

import (
	"context"
	"errors"
)

// ErrClosed is returned by calls on a closed server connection.
var ErrClosed = errors.New("dqp: server connection closed")

// Service is the DQP service interface used by the driver.
type Service interface {
	// ExecuteRequest submits a request identified by the session scoped request id reqID.
	ExecuteRequest(reqID int64, req *RequestMessage) *ResultsFuture[*ResultsMessage]
	// ProcessCursorRequest requests the batch starting at row batchFirst (1-based).
	ProcessCursorRequest(reqID int64, batchFirst int64, fetchSize int) *ResultsFuture[*ResultsMessage]
	// CancelRequest cancels the request reqID. The result reports if the request was still running.
	CancelRequest(reqID int64) *ResultsFuture[bool]
	// CloseRequest frees the server resources of request reqID.
	CloseRequest(reqID int64) *ResultsFuture[struct{}]
	// GetMetadata returns the metadata of the command sql without executing it.
	GetMetadata(reqID int64, sql string) *ResultsFuture[*MetadataResult]
	// RequestLobChunk returns a chunk of the lob stream streamID.
	RequestLobChunk(streamID string, offset int64, size int) *ResultsFuture[*LobChunk]

	// local transactions
	Begin() *ResultsFuture[struct{}]
	Commit() *ResultsFuture[struct{}]
	Rollback() *ResultsFuture[struct{}]

	// XA transactions
	Start(xid XID, flags int, timeout int) *ResultsFuture[struct{}]
	End(xid XID, flags int) *ResultsFuture[struct{}]
	Prepare(xid XID) *ResultsFuture[int]
	CommitXA(xid XID, onePhase bool) *ResultsFuture[struct{}]
	RollbackXA(xid XID) *ResultsFuture[struct{}]
	Forget(xid XID) *ResultsFuture[struct{}]
	Recover(flags int) *ResultsFuture[[]XID]
}

// ServerConnection is an authenticated session to a DQP service.
type ServerConnection interface {
	// Service returns the DQP service of the session.
	Service() Service
	// Logon returns the logon result of the session.
	Logon() LogonResult
	// IsLocal returns true for in-process connections.
	IsLocal() bool
	// SupportsContinuous returns true if continuous execution is supported.
	SupportsContinuous() bool
	// ChangeUser re-authenticates the session. The prior identity is kept on failure.
	ChangeUser(ctx context.Context, user, password string) error
	// Ping checks the connection.
	Ping(ctx context.Context) error
	// IsOpen returns false after the connection was closed or broken.
	IsOpen() bool
	// Close closes the session.
	Close() error
}
