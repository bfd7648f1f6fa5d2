package pool

import (
	"time"

	"github.com/workhive/workhive/internal/task"
	"github.com/workhive/workhive/internal/wchannel"
)

// handleState is the WorkerHandle FSM position: spec.md §4.4,
// BOOTING -> READY -> (DRAINING | TERMINATING) -> TERMINATED.
type handleState int32

const (
	stateBooting handleState = iota
	stateReady
	stateDraining
	stateTerminating
	stateTerminated
)

func (s handleState) String() string {
	switch s {
	case stateBooting:
		return "booting"
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	case stateTerminating:
		return "terminating"
	case stateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// workerHandle is the pool-side proxy for one worker isolate (spec
// component C4). Every field is read and mutated exclusively by the pool's
// single dispatch goroutine; there is no internal locking because there is
// only ever one writer.
type workerHandle struct {
	id      uint64
	channel wchannel.Channel
	state   handleState
	pending map[uint64]*task.Task

	lastError error

	terminateReqSent bool
	idleTimer        *time.Timer
}

// available reports whether this handle can currently accept a new task:
// READY and under its concurrency capacity.
func (w *workerHandle) available(capacity int) bool {
	return w.state == stateReady && len(w.pending) < capacity
}
