// Package werrors implements the error taxonomy every task settles with:
// one of MethodNotFound, CancellationError, TimeoutError, QueueFullError,
// PoolTerminatedError, WorkerTerminatedError, HandlerError or ProtocolError.
//
// It lives below the public workhive package (rather than in it) so that
// internal/task, internal/pool and internal/dispatcher can construct and
// inspect these errors without importing the root package.
package werrors

import (
	"errors"
	"fmt"

	"github.com/workhive/workhive/internal/protocol"
)

// Kind names one of the error taxonomy entries. The string value is also
// the wire "name" used in protocol.ErrorFrame.
type Kind string

const (
	MethodNotFound     Kind = "MethodNotFound"
	Cancellation       Kind = "CancellationError"
	Timeout            Kind = "TimeoutError"
	QueueFull          Kind = "QueueFullError"
	PoolTerminated     Kind = "PoolTerminatedError"
	WorkerTerminated   Kind = "WorkerTerminatedError"
	Handler            Kind = "HandlerError"
	Protocol           Kind = "ProtocolError"
)

// Error is the single error type used throughout the pool. Callers branch
// on Kind (via Is) rather than matching against a family of sentinels.
type Error struct {
	Kind    Kind
	Message string
	Fields_ map[string]any
	Stack_  string
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// FromFrame reconstructs a rejection value from a wire ErrorFrame, preserving
// the fields and stack the remote side attached. The Kind is derived from
// the frame's Name when it matches a taxonomy entry, otherwise it is treated
// as an opaque HandlerError so the caller still gets a settled rejection.
func FromFrame(f *protocol.ErrorFrame) *Error {
	if f == nil {
		return nil
	}
	kind := Kind(f.Name)
	switch kind {
	case MethodNotFound, Cancellation, Timeout, QueueFull, PoolTerminated, WorkerTerminated, Handler, Protocol:
	default:
		kind = Handler
	}
	return &Error{Kind: kind, Message: f.Message, Stack_: f.Stack, Fields_: f.Fields}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// ErrorName satisfies protocol.NamedError so MarshalError writes the
// taxonomy Kind as the wire frame's Name.
func (e *Error) ErrorName() string { return string(e.Kind) }

// Fields satisfies protocol.FieldsProvider.
func (e *Error) Fields() map[string]any { return e.Fields_ }

// Stack satisfies protocol.StackProvider.
func (e *Error) Stack() string { return e.Stack_ }

// Is reports whether err is (or wraps) a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
