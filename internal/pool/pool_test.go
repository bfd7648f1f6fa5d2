package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workhive/workhive/internal/protocol"
	"github.com/workhive/workhive/internal/task"
	"github.com/workhive/workhive/internal/wchannel"
	"github.com/workhive/workhive/internal/werrors"
)

func fibMethods() map[string]func([]any) (any, error) {
	var fib func(n int) int
	fib = func(n int) int {
		if n < 2 {
			return n
		}
		return fib(n-1) + fib(n-2)
	}
	return map[string]func([]any) (any, error){
		"fib": func(args []any) (any, error) {
			n := int(args[0].(float64))
			return fib(n), nil
		},
	}
}

func waitDone(t *testing.T, tsk interface{ Done() <-chan struct{} }, d time.Duration) {
	t.Helper()
	select {
	case <-tsk.Done():
	case <-time.After(d):
		t.Fatal("task did not settle in time")
	}
}

// TestFibonacciBackpressure is scenario S1: maxWorkers=3, unbounded queue,
// 10 concurrent fib(20) calls all resolve to 6765 and the pool ends with at
// most 3 workers.
func TestFibonacciBackpressure(t *testing.T) {
	p := NewPool(Config{MaxWorkers: 3, MaxTasksPerWorker: 1}, scriptedFactory(fibMethods()))
	defer p.Terminate(context.Background(), true, time.Second)

	const n = 10
	tasks := make([]*task.Task, n)
	for i := 0; i < n; i++ {
		tsk, err := p.Exec("fib", []any{float64(20)}, ExecOpts{})
		require.NoError(t, err)
		tasks[i] = tsk
	}

	for _, tsk := range tasks {
		waitDone(t, tsk, 2*time.Second)
		result, err := tsk.Result()
		require.NoError(t, err)
		assert.Equal(t, 6765, result)
	}

	stats := p.Stats()
	assert.LessOrEqual(t, stats.TotalWorkers, 3)
}

// TestQueueFullBackpressure checks exec rejects synchronously once the
// bounded queue is at capacity, without dropping anything silently.
func TestQueueFullBackpressure(t *testing.T) {
	p := NewPool(Config{MaxWorkers: 1, MaxQueueSize: 1}, neverRespondingFactory())
	defer p.Terminate(context.Background(), true, time.Second)

	_, err := p.Exec("noop", nil, ExecOpts{})
	require.NoError(t, err)

	// Wait for the sole worker to leave BOOTING before testing queue
	// capacity, so this isn't racing the worker's READY envelope.
	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.BusyWorkers+s.IdleWorkers >= 1
	}, time.Second, time.Millisecond)

	_, err = p.Exec("noop", nil, ExecOpts{}) // occupies the one queue slot
	require.NoError(t, err)

	_, err = p.Exec("noop", nil, ExecOpts{})
	require.Error(t, err)
	assert.True(t, werrors.Is(err, werrors.QueueFull))
}

// TestCancelQueuedTaskSettlesSynchronously is testable property 6.
func TestCancelQueuedTaskSettlesSynchronously(t *testing.T) {
	p := NewPool(Config{MaxWorkers: 1}, neverRespondingFactory())
	defer p.Terminate(context.Background(), true, time.Second)

	// occupy the worker so the second task stays queued
	_, err := p.Exec("noop", nil, ExecOpts{})
	require.NoError(t, err)
	queued, err := p.Exec("noop", nil, ExecOpts{})
	require.NoError(t, err)

	p.Cancel(queued.ID)
	assert.True(t, queued.Settled(), "cancel() of a queued task must settle it before returning")
	_, cerr := queued.Result()
	assert.True(t, werrors.Is(cerr, werrors.Cancellation))
}

// TestCancelRunningTaskAcked exercises the cooperative abort path: the
// worker ACKs in time, so the task settles with CancellationError and the
// worker survives.
func TestCancelRunningTaskAcked(t *testing.T) {
	p := NewPool(Config{MaxWorkers: 1, WorkerTerminateTimeout: 200 * time.Millisecond}, ackingAbortFactory())
	defer p.Terminate(context.Background(), true, time.Second)

	tsk, err := p.Exec("noop", nil, ExecOpts{})
	require.NoError(t, err)

	p.Cancel(tsk.ID)
	waitDone(t, tsk, 100*time.Millisecond) // well under the 200ms forced-kill timeout
	_, cerr := tsk.Result()
	assert.True(t, werrors.Is(cerr, werrors.Cancellation))

	stats := p.Stats()
	assert.Equal(t, 1, stats.TotalWorkers, "acked cancellation must not kill the worker")
}

// TestAbortTimeoutForcesKill: the worker never ACKs an ABORT, so after
// workerTerminateTimeout the pool force-kills it; the cancelled task
// settles with CancellationError and a sibling in-flight task on that same
// worker settles with WorkerTerminatedError.
func TestAbortTimeoutForcesKill(t *testing.T) {
	p := NewPool(Config{MaxWorkers: 1, MaxTasksPerWorker: 2, WorkerTerminateTimeout: 50 * time.Millisecond},
		hangingFactory())
	defer p.Terminate(context.Background(), true, time.Second)

	a, err := p.Exec("noop", nil, ExecOpts{})
	require.NoError(t, err)
	b, err := p.Exec("noop", nil, ExecOpts{})
	require.NoError(t, err)

	// Wait for both to actually be dispatched to the (single) worker before
	// cancelling, so the sibling-settles-with-WorkerTerminatedError
	// assertion below isn't racing worker boot-up.
	require.Eventually(t, func() bool {
		return p.Stats().ActiveTasks == 2
	}, time.Second, time.Millisecond)

	p.Cancel(a.ID)

	waitDone(t, a, time.Second)
	_, aerr := a.Result()
	assert.True(t, werrors.Is(aerr, werrors.Cancellation))

	waitDone(t, b, time.Second)
	_, berr := b.Result()
	assert.True(t, werrors.Is(berr, werrors.WorkerTerminated))
}

// TestTimeoutSettlesWithTimeoutError checks the timeout-then-abort path
// settles with TimeoutError, not CancellationError.
func TestTimeoutSettlesWithTimeoutError(t *testing.T) {
	p := NewPool(Config{MaxWorkers: 1, WorkerTerminateTimeout: 200 * time.Millisecond}, neverRespondingFactory())
	defer p.Terminate(context.Background(), true, time.Second)

	tsk, err := p.Exec("noop", nil, ExecOpts{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	waitDone(t, tsk, time.Second)
	_, terr := tsk.Result()
	assert.True(t, werrors.Is(terr, werrors.Timeout))
}

// TestEventsDeliveredBeforeResponse checks ordering: EVENTs for a task are
// handed to its handler before the task settles (spec.md §5, "EVENTs for
// task T all precede T's RESPONSE on the wire").
func TestEventsDeliveredBeforeResponse(t *testing.T) {
	factory := func(ctx context.Context, info WorkerInfo) (wchannel.Channel, error) {
		poolSide, workerSide := wchannel.Pair()
		workerSide.OnMessage(func(env protocol.Envelope) {
			if env.Kind != protocol.Request {
				return
			}
			_ = workerSide.Send(protocol.Envelope{Kind: protocol.Event, ID: env.ID, Payload: 1})
			_ = workerSide.Send(protocol.Envelope{Kind: protocol.Event, ID: env.ID, Payload: 2})
			_ = workerSide.Send(protocol.Envelope{Kind: protocol.Response, ID: env.ID, Result: "ok"})
		})
		_ = workerSide.Send(protocol.Envelope{Kind: protocol.Ready})
		return poolSide, nil
	}

	var seen []int
	p := NewPool(Config{MaxWorkers: 1}, factory)
	defer p.Terminate(context.Background(), true, time.Second)

	tsk, err := p.Exec("stream", nil, ExecOpts{On: func(payload any) {
		seen = append(seen, payload.(int))
	}})
	require.NoError(t, err)
	waitDone(t, tsk, time.Second)
	result, rerr := tsk.Result()
	require.NoError(t, rerr)
	assert.Equal(t, "ok", result)
	assert.Equal(t, []int{1, 2}, seen)
}

// TestGracefulTerminateDrainsThenExits is scenario S6: terminate() waits
// for in-flight work, then sends TERMINATE_REQUEST and resolves once every
// worker is gone.
func TestGracefulTerminateDrainsThenExits(t *testing.T) {
	methods := map[string]func([]any) (any, error){
		"noop": func([]any) (any, error) { return nil, nil },
	}
	p := NewPool(Config{MaxWorkers: 2, WorkerTerminateTimeout: 200 * time.Millisecond}, scriptedFactory(methods))

	for i := 0; i < 3; i++ {
		_, err := p.Exec("noop", nil, ExecOpts{})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Terminate(ctx, false, 200*time.Millisecond))

	stats := p.Stats()
	assert.Equal(t, 0, stats.TotalWorkers)
}

// TestQueuedTasksRejectedOnTerminate checks step 1 of terminate(): a task
// still in the queue when terminate() runs is rejected with
// PoolTerminatedError rather than silently dropped.
func TestQueuedTasksRejectedOnTerminate(t *testing.T) {
	p := NewPool(Config{MaxWorkers: 1}, neverRespondingFactory())

	_, err := p.Exec("noop", nil, ExecOpts{}) // dispatched, occupies the worker
	require.NoError(t, err)
	queued, err := p.Exec("noop", nil, ExecOpts{}) // stays queued
	require.NoError(t, err)

	require.NoError(t, p.Terminate(context.Background(), true, 200*time.Millisecond))

	waitDone(t, queued, time.Second)
	_, qerr := queued.Result()
	assert.True(t, werrors.Is(qerr, werrors.PoolTerminated))
}

// TestExecAfterTerminateFails checks exec() rejects once the pool is
// terminated.
func TestExecAfterTerminateFails(t *testing.T) {
	p := NewPool(Config{MaxWorkers: 1}, neverRespondingFactory())
	require.NoError(t, p.Terminate(context.Background(), true, 200*time.Millisecond))

	_, err := p.Exec("noop", nil, ExecOpts{})
	require.Error(t, err)
	assert.True(t, werrors.Is(err, werrors.PoolTerminated))
}
