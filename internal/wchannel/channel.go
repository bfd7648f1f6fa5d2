// Package wchannel provides concrete WorkerChannel implementations: a
// process channel backed by os/exec talking newline-framed envelopes over
// stdio, an in-memory loopback channel used by tests, and a gRPC-based
// network channel for workers that live in another process reachable only
// over the wire.
//
// The abstract contract (Send / OnMessage / OnExit / Terminate) is
// implementation-agnostic; the pool scheduler treats every Channel
// uniformly.
package wchannel

import (
	"context"

	"github.com/workhive/workhive/internal/protocol"
)

// ExitInfo is reported exactly once to the handler registered with OnExit.
type ExitInfo struct {
	Code   int
	Signal string
	Err    error
}

// Channel is the duplex message transport to one worker isolate.
type Channel interface {
	// Send enqueues an envelope for delivery. It does not block on the
	// remote side processing it. Returns ErrClosed if the channel has
	// already exited or been terminated.
	Send(env protocol.Envelope) error

	// OnMessage registers the handler invoked once per inbound envelope,
	// in arrival order. Must be called before the channel starts
	// delivering messages; only one handler is supported.
	OnMessage(fn func(protocol.Envelope))

	// OnExit registers the handler invoked exactly once when the isolate
	// exits, whether cleanly or due to a forced kill.
	OnExit(fn func(ExitInfo))

	// Terminate asks the isolate to shut down: gracefully if !force
	// (closing stdin / sending a close frame and waiting), forcibly
	// (SIGKILL-equivalent) otherwise. It returns once the isolate has
	// exited or the context is done.
	Terminate(ctx context.Context, force bool) error
}

// TransferCapable is implemented by channels that can report whether their
// transport actually moves (rather than copies) the binary regions listed
// on an envelope. Channels that don't implement it are assumed copy-only.
type TransferCapable interface {
	SupportsTransfer() bool
}

// ErrClosed is returned by Send on a channel whose isolate has already
// exited or been terminated.
var ErrClosed = errClosed{}

type errClosed struct{}

func (errClosed) Error() string { return "wchannel: channel closed" }
