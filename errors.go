package workhive

import "github.com/workhive/workhive/internal/werrors"

// ErrorKind classifies a failure returned from Exec, a TaskHandle, or a
// worker HandlerFunc. Branch on it with IsErrorKind rather than matching
// against a family of sentinel errors.
type ErrorKind = werrors.Kind

const (
	MethodNotFound        = werrors.MethodNotFound
	CancellationError     = werrors.Cancellation
	TimeoutError          = werrors.Timeout
	QueueFullError        = werrors.QueueFull
	PoolTerminatedError   = werrors.PoolTerminated
	WorkerTerminatedError = werrors.WorkerTerminated
	HandlerError          = werrors.Handler
	ProtocolError         = werrors.Protocol
)

// IsErrorKind reports whether err is (or wraps) a failure of the given kind.
func IsErrorKind(err error, kind ErrorKind) bool {
	return werrors.Is(err, kind)
}
