package dqp

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies server side errors.
type ErrorKind string

// Error kinds reported by the server.
const (
	KindProcessing    ErrorKind = "processing"
	KindCommunication ErrorKind = "communication"
	KindLogon         ErrorKind = "logon"
	KindCancelled     ErrorKind = "cancelled"
	KindBatchUpdate   ErrorKind = "batchUpdate"
	KindComponent     ErrorKind = "componentNotFound"
	KindTransaction   ErrorKind = "transaction"
	KindXA            ErrorKind = "xa"
)

// ServerError is an error reported by the server including its nested causes.
type ServerError struct {
	Kind    ErrorKind    `msgpack:"kind"`
	Code    string       `msgpack:"code,omitempty"`
	State   string       `msgpack:"state,omitempty"` // SQLState if known by the server.
	Message string       `msgpack:"message"`
	Cause   *ServerError `msgpack:"cause,omitempty"`
	// UpdateCounts holds the counts of the commands of a batch executed before the failure.
	UpdateCounts []int `msgpack:"updateCounts,omitempty"`
	// XACode is the XA error code of KindXA errors.
	XACode int `msgpack:"xaCode,omitempty"`
}

func (e *ServerError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	if e.Code != "" {
		fmt.Fprintf(&sb, " [%s]", e.Code)
	}
	return sb.String()
}

// Unwrap returns the cause.
func (e *ServerError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// NewServerError returns a server error of kind k.
func NewServerError(k ErrorKind, format string, a ...any) *ServerError {
	return &ServerError{Kind: k, Message: fmt.Sprintf(format, a...)}
}

// IsBatchUpdate returns true if e reports a partially executed batch.
func (e *ServerError) IsBatchUpdate() bool { return e.Kind == KindBatchUpdate }

// AsServerError converts err into a server error (used by transports before sending an error).
func AsServerError(err error) *ServerError {
	if err == nil {
		return nil
	}
	var sErr *ServerError
	if errors.As(err, &sErr) {
		return sErr
	}
	return &ServerError{Kind: KindProcessing, Message: err.Error()}
}
