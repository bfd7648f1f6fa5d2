// Package task implements the scheduler-owned Task record (spec component
// C3): the mutable state behind one pending or in-flight call. A Task is
// exclusively mutated by the pool's single dispatch goroutine; callers only
// ever see it through the read-only Done()/Result() surface or by posting a
// cancellation/timeout command back into the pool.
package task

import (
	"time"

	"github.com/workhive/workhive/internal/protocol"
)

// State is the Task lifecycle position: queued -> running -> settled, or
// queued -> settled (cancelled before dispatch).
type State int32

const (
	Queued State = iota
	Running
	Settled
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Settled:
		return "settled"
	default:
		return "unknown"
	}
}

// EventFunc receives one streamed progress payload. It may be invoked zero
// or more times before the task settles; invocations after settlement never
// happen (late events are dropped by the caller before reaching here).
type EventFunc func(payload any)

// Task is one pending/in-flight/settled unit of work.
type Task struct {
	ID     uint64
	Method string
	Args   []any
	// Regions lists the binary buffers this call's Args (and, by
	// convention, its eventual Result) should move rather than copy when
	// the channel supports it.
	Regions []protocol.Region
	On      EventFunc

	// State machine, owned by the pool's dispatch goroutine only.
	State           State
	StartedAt       time.Time
	CancelRequested bool
	AssignedWorker  uint64 // 0 == unassigned

	deadline    time.Time
	hasDeadline bool

	done    chan struct{}
	settled bool
	result  any
	err     error
}

// New creates a queued Task with id, method and args already fixed for its
// lifetime (spec.md §4.3: "Immutable inputs").
func New(id uint64, method string, args []any, regions []protocol.Region, on EventFunc) *Task {
	return &Task{
		ID:      id,
		Method:  method,
		Args:    args,
		Regions: regions,
		On:      on,
		State:   Queued,
		done:    make(chan struct{}),
	}
}

// Done closes once the task settles.
func (t *Task) Done() <-chan struct{} { return t.done }

// Settle resolves the task exactly once. Subsequent calls are no-ops and
// report false, matching "settling runs the resolver at most once and is
// idempotent with respect to subsequent events".
func (t *Task) Settle(result any, err error) bool {
	if t.settled {
		return false
	}
	t.settled = true
	t.result = result
	t.err = err
	t.State = Settled
	close(t.done)
	return true
}

// Settled reports whether Settle has already run.
func (t *Task) Settled() bool { return t.settled }

// Result returns the settled value; only meaningful after Done() closes.
func (t *Task) Result() (any, error) { return t.result, t.err }

// SetDeadline installs or overrides the task's absolute timeout deadline.
// Redundant calls override any prior timeout, per spec.md §4.7.
func (t *Task) SetDeadline(d time.Time) {
	t.deadline = d
	t.hasDeadline = true
}

// ClearDeadline removes a previously set deadline.
func (t *Task) ClearDeadline() { t.hasDeadline = false }

// Deadline returns the current absolute timeout and whether one is set.
func (t *Task) Deadline() (time.Time, bool) { return t.deadline, t.hasDeadline }

// EmitEvent forwards a streamed payload to the registered handler, dropping
// it silently if the task has already settled (late events are dropped) or
// no handler was registered. Returns whether the handler was invoked, so
// the caller can count swallowed handler panics/errors separately.
func (t *Task) EmitEvent(payload any) bool {
	if t.settled || t.On == nil {
		return false
	}
	t.On(payload)
	return true
}
