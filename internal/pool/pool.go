// Package pool implements the dispatch core's WorkerHandle (C4) and Pool
// scheduler (C5): queueing, dynamic fleet sizing, dispatch, backpressure,
// two-phase cancellation, timeouts and graceful/forced termination.
//
// The scheduler is single-threaded cooperative by construction (spec.md
// §5): one goroutine per Pool owns every mutation of workers, queue and
// in-flight tasks, processing a queue of closures posted by public methods
// and by channel callbacks. This is the same "one goroutine, no locks"
// shape the teacher gives its Controller loops, just unified into a single
// command queue instead of a mutex guarding several goroutines.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/workhive/workhive/internal/protocol"
	"github.com/workhive/workhive/internal/task"
	"github.com/workhive/workhive/internal/wchannel"
)

var log = slog.Default()

// SetLogger overrides the package-level logger.
func SetLogger(l *slog.Logger) { log = l }

type cmd func()

// Pool is a bounded fleet of worker isolates dispatching Tasks submitted
// via Exec. Every exported method is safe to call from any goroutine; all
// of them serialize through the single dispatch loop goroutine.
type Pool struct {
	cfg     Config
	factory ChannelFactory

	cmdCh chan cmd
	done  chan struct{}

	nextTaskID   uint64
	nextWorkerID uint64

	workers     map[uint64]*workerHandle
	workerOrder []uint64
	queue       []*task.Task
	tasksByID   map[uint64]*task.Task

	cancelWatchdogs map[uint64]*time.Timer
	timeoutTimers   map[uint64]*time.Timer
	timeoutDriven   map[uint64]bool
	drainTimers     map[uint64]*time.Timer
	killTimers      map[uint64]*time.Timer

	terminated       bool
	terminateWaiters []chan struct{}

	stats statCounters
}

type statCounters struct {
	submitted, dispatched, completed, failed, cancelled, protocolErrors int
}

// NewPool constructs and starts a Pool. factory is invoked once per spawned
// worker to obtain its Channel; transport bootstrap itself (turning
// cfg.Script into a live process/thread/network peer) lives entirely in
// the factory, outside the dispatch core.
func NewPool(cfg Config, factory ChannelFactory) *Pool {
	cfg.withDefaults()
	p := &Pool{
		cfg:             cfg,
		factory:         factory,
		cmdCh:           make(chan cmd, 64),
		done:            make(chan struct{}),
		workers:         make(map[uint64]*workerHandle),
		tasksByID:       make(map[uint64]*task.Task),
		cancelWatchdogs: make(map[uint64]*time.Timer),
		timeoutTimers:   make(map[uint64]*time.Timer),
		timeoutDriven:   make(map[uint64]bool),
		drainTimers:     make(map[uint64]*time.Timer),
		killTimers:      make(map[uint64]*time.Timer),
	}
	go p.loop()
	p.post(func() {
		target := p.cfg.effectiveMinWorkers()
		for len(p.workers) < target && len(p.workers) < p.cfg.MaxWorkers {
			p.spawnWorker()
		}
	})
	return p
}

func (p *Pool) loop() {
	for c := range p.cmdCh {
		c()
	}
}

// post enqueues fn to run on the dispatch loop without waiting for it.
func (p *Pool) post(fn cmd) {
	select {
	case p.cmdCh <- fn:
	case <-p.done:
	}
}

// call enqueues fn and blocks until the loop has run it, returning its
// result. Used wherever the caller must observe the effect before
// returning (e.g. cancelling a queued task settles it synchronously).
func (p *Pool) call(fn func() any) any {
	reply := make(chan any, 1)
	p.post(func() { reply <- fn() })
	select {
	case v := <-reply:
		return v
	case <-p.done:
		return nil
	}
}

// Exec builds a Task for method/args and either dispatches it immediately
// or enqueues it (spec.md §4.5).
func (p *Pool) Exec(method string, args []any, opts ExecOpts) (*task.Task, error) {
	type result struct {
		t   *task.Task
		err error
	}
	r := p.call(func() any {
		t, err := p.doExec(method, args, opts)
		return result{t, err}
	}).(result)
	return r.t, r.err
}

func (p *Pool) doExec(method string, args []any, opts ExecOpts) (*task.Task, error) {
	if p.terminated {
		return nil, poolTerminatedErr()
	}
	if p.cfg.MaxQueueSize > 0 && len(p.queue) >= p.cfg.MaxQueueSize {
		return nil, queueFullErr()
	}
	p.nextTaskID++
	id := p.nextTaskID
	t := task.New(id, method, args, opts.Regions, opts.On)
	if opts.Timeout > 0 {
		t.SetDeadline(time.Now().Add(opts.Timeout))
	}
	p.queue = append(p.queue, t)
	p.tasksByID[id] = t
	p.stats.submitted++
	p.cfg.Metrics.RecordSubmit()
	p.armTimeoutTimer(t)
	p.tryDispatch()
	p.publishGauges()
	return t, nil
}

// Cancel is the single cancellation entry point (spec.md §4.5). It blocks
// until the dispatch loop has processed the request, so a queued task is
// observably settled by the time Cancel returns (testable property 6).
func (p *Pool) Cancel(id uint64) {
	p.call(func() any { p.doCancel(id); return nil })
}

// SetTimeout installs or overrides a task's absolute deadline (spec.md
// §4.7: "redundant calls override prior timeouts").
func (p *Pool) SetTimeout(id uint64, d time.Duration) {
	p.call(func() any {
		t := p.tasksByID[id]
		if t == nil || t.Settled() {
			return nil
		}
		p.clearTimeoutTimer(t)
		t.SetDeadline(time.Now().Add(d))
		p.armTimeoutTimer(t)
		return nil
	})
}

// Stats returns a point-in-time snapshot consistent with §3's invariants.
func (p *Pool) Stats() Stats {
	return p.call(func() any { return p.snapshotStats() }).(Stats)
}

func (p *Pool) snapshotStats() Stats {
	var busy, idle, active int
	for _, w := range p.workers {
		active += len(w.pending)
		if w.state != stateReady {
			continue
		}
		if len(w.pending) > 0 {
			busy++
		} else {
			idle++
		}
	}
	return Stats{
		TotalWorkers: len(p.workers),
		BusyWorkers:  busy,
		IdleWorkers:  idle,
		PendingTasks: len(p.queue),
		ActiveTasks:  active,
	}
}

func (p *Pool) publishGauges() {
	s := p.snapshotStats()
	p.cfg.Metrics.UpdateGauges(s.PendingTasks, s.ActiveTasks, s.BusyWorkers, s.IdleWorkers)
}

// Terminate implements spec.md §4.5's four-step shutdown. It blocks until
// every worker is TERMINATED or ctx is done.
func (p *Pool) Terminate(ctx context.Context, force bool, timeout time.Duration) error {
	waiter := make(chan struct{})
	p.post(func() { p.beginTerminate(force, timeout, waiter) })
	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- dispatch core, all of the below runs only on the loop goroutine ---

func (p *Pool) doCancel(id uint64) {
	t := p.tasksByID[id]
	if t == nil || t.Settled() {
		return
	}
	t.CancelRequested = true

	if t.State == task.Queued {
		for i, qt := range p.queue {
			if qt.ID == id {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				break
			}
		}
		p.clearTimeoutTimer(t)
		delete(p.tasksByID, id)
		t.Settle(nil, cancellationErr())
		p.stats.cancelled++
		p.cfg.Metrics.RecordCancelled()
		p.publishGauges()
		return
	}

	w := p.workers[t.AssignedWorker]
	if w == nil {
		return // already reaped via onExit's settle sweep
	}
	if err := w.channel.Send(protocol.Envelope{Kind: protocol.Abort, ID: id}); err != nil {
		p.forceTerminateWorker(w, workerTerminatedErr("failed to send abort: "+err.Error()))
		return
	}
	timer := time.AfterFunc(p.cfg.WorkerTerminateTimeout, func() {
		p.post(func() { p.onAbortTimeout(id) })
	})
	p.cancelWatchdogs[id] = timer
}

func (p *Pool) onAbortTimeout(id uint64) {
	delete(p.cancelWatchdogs, id)
	t := p.tasksByID[id]
	if t == nil || t.Settled() {
		return
	}
	w := p.workers[t.AssignedWorker]
	kind := cancellationErr()
	if p.timeoutDriven[id] {
		kind = timeoutErr()
	}
	delete(p.timeoutDriven, id)
	delete(p.tasksByID, id)
	if w != nil {
		delete(w.pending, id)
	}
	t.Settle(nil, kind)
	p.stats.cancelled++
	p.cfg.Metrics.RecordCancelled()
	if w != nil {
		log.Warn("worker did not ack abort in time, forcing termination", "worker", w.id, "task", id)
		p.forceTerminateWorker(w, workerTerminatedErr("worker killed after abort timeout"))
	}
	p.publishGauges()
}

func (p *Pool) armTimeoutTimer(t *task.Task) {
	d, ok := t.Deadline()
	if !ok {
		return
	}
	delay := time.Until(d)
	if delay < 0 {
		delay = 0
	}
	id := t.ID
	p.timeoutTimers[id] = time.AfterFunc(delay, func() {
		p.post(func() { p.onTimeout(id) })
	})
}

func (p *Pool) clearTimeoutTimer(t *task.Task) {
	if timer, ok := p.timeoutTimers[t.ID]; ok {
		timer.Stop()
		delete(p.timeoutTimers, t.ID)
	}
}

func (p *Pool) onTimeout(id uint64) {
	delete(p.timeoutTimers, id)
	t := p.tasksByID[id]
	if t == nil || t.Settled() {
		return
	}
	if t.State == task.Queued {
		for i, qt := range p.queue {
			if qt.ID == id {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				break
			}
		}
		delete(p.tasksByID, id)
		t.Settle(nil, timeoutErr())
		p.stats.cancelled++
		p.cfg.Metrics.RecordCancelled()
		p.publishGauges()
		return
	}
	p.timeoutDriven[id] = true
	p.doCancel(id)
}

// tryDispatch pulls dispatchable tasks off the queue head, per spec.md
// §4.5's invariant loop.
func (p *Pool) tryDispatch() {
	for len(p.queue) > 0 {
		t := p.queue[0]

		if t.AssignedWorker != 0 {
			w := p.workers[t.AssignedWorker]
			switch {
			case w != nil && w.state != stateReady:
				return // still booting; resumes on that worker's READY transition
			case w != nil:
				p.queue = p.queue[1:]
				p.dispatchTo(w, t)
				continue
			default:
				t.AssignedWorker = 0 // claimed worker died before READY; retry below
			}
		}

		if w := p.pickAvailableWorker(); w != nil {
			p.queue = p.queue[1:]
			p.dispatchTo(w, t)
			continue
		}

		if len(p.workers) < p.cfg.MaxWorkers {
			w := p.spawnWorker()
			if w != nil {
				t.AssignedWorker = w.id
			}
			return
		}

		return // no available worker, and the pool is already at maxWorkers
	}
}

// pickAvailableWorker prefers an already-READY worker with the fewest
// pendingTasks, ties broken by lowest worker id (workerOrder is ascending).
func (p *Pool) pickAvailableWorker() *workerHandle {
	var best *workerHandle
	for _, id := range p.workerOrder {
		w := p.workers[id]
		if w == nil || !w.available(p.cfg.MaxTasksPerWorker) {
			continue
		}
		if best == nil || len(w.pending) < len(best.pending) {
			best = w
		}
	}
	return best
}

func (p *Pool) dispatchTo(w *workerHandle, t *task.Task) {
	t.State = task.Running
	t.StartedAt = time.Now()
	t.AssignedWorker = w.id
	w.pending[t.ID] = t
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}

	env := protocol.Envelope{Kind: protocol.Request, ID: t.ID, Method: t.Method, Params: t.Args}
	if len(t.Regions) > 0 {
		env.Regions = t.Regions
		names := make([]string, len(t.Regions))
		for i, r := range t.Regions {
			names[i] = r.Name
		}
		env.Transfer = names
		if tc, ok := w.channel.(wchannel.TransferCapable); !ok || !tc.SupportsTransfer() {
			p.cfg.Metrics.RecordTransferDegraded()
		}
	}

	if err := w.channel.Send(env); err != nil {
		p.forceTerminateWorker(w, workerTerminatedErr("failed to send request: "+err.Error()))
		return
	}
	p.stats.dispatched++
	p.cfg.Metrics.RecordDispatch()
	p.publishGauges()
}

func (p *Pool) spawnWorker() *workerHandle {
	p.nextWorkerID++
	id := p.nextWorkerID
	w := &workerHandle{id: id, state: stateBooting, pending: make(map[uint64]*task.Task)}

	info := WorkerInfo{WorkerID: id}
	var overrides SpawnOverrides
	if p.cfg.OnCreateWorker != nil {
		if ov, err := p.cfg.OnCreateWorker(info); err == nil {
			overrides = ov
		} else {
			log.Warn("onCreateWorker hook failed", "worker", id, "err", err)
		}
	}
	info.ForkArgs = overrides.ForkArgs
	info.ForkOpts = overrides.ForkOpts
	info.WorkerOpts = overrides.WorkerOpts

	ch, err := p.factory(context.Background(), info)
	if err != nil {
		log.Warn("failed to spawn worker", "worker", id, "err", err)
		return nil
	}

	p.workers[id] = w
	p.workerOrder = append(p.workerOrder, id)
	w.channel = ch
	ch.OnMessage(func(env protocol.Envelope) {
		p.post(func() { p.onEnvelope(id, env) })
	})
	ch.OnExit(func(info wchannel.ExitInfo) {
		p.post(func() { p.onExit(id, info) })
	})
	return w
}

func (p *Pool) onEnvelope(id uint64, env protocol.Envelope) {
	w := p.workers[id]
	if w == nil {
		return // stale callback from an already-removed worker
	}
	switch env.Kind {
	case protocol.Ready:
		p.transitionReady(w)
	case protocol.Response:
		if w.state == stateBooting {
			p.transitionReady(w)
		}
		p.handleResponse(w, env)
	case protocol.Event:
		p.handleEvent(w, env)
	case protocol.AbortAck:
		p.handleAbortAck(w, env)
	case protocol.TerminateAck:
		p.handleTerminateAck(w)
	default:
		p.protocolViolation(w, fmt.Errorf("unexpected envelope kind from worker: %s", env.Kind))
	}
}

func (p *Pool) transitionReady(w *workerHandle) {
	if w.state != stateBooting {
		return
	}
	w.state = stateReady
	p.tryDispatch()
}

func (p *Pool) handleResponse(w *workerHandle, env protocol.Envelope) {
	t := w.pending[env.ID]
	if t == nil {
		return // stray/duplicate response; not itself a protocol violation worth killing the worker over
	}
	delete(w.pending, env.ID)
	delete(p.tasksByID, env.ID)
	p.clearTimeoutTimer(t)

	if env.Error != nil {
		t.Settle(nil, fromFrame(env.Error))
		p.stats.failed++
		p.cfg.Metrics.RecordFailed()
	} else {
		t.Settle(env.Result, nil)
		p.stats.completed++
		p.cfg.Metrics.RecordCompleted(time.Since(t.StartedAt).Seconds())
	}

	p.maybeFastTrackTerminate(w)
	p.maybeReapIdle(w)
	p.tryDispatch()
	p.publishGauges()
}

func (p *Pool) handleEvent(w *workerHandle, env protocol.Envelope) {
	t := w.pending[env.ID]
	if t == nil || t.Settled() {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Warn("event handler panicked", "task", t.ID, "recover", r)
			}
		}()
		t.EmitEvent(env.Payload)
	}()
}

func (p *Pool) handleAbortAck(w *workerHandle, env protocol.Envelope) {
	if timer, ok := p.cancelWatchdogs[env.ID]; ok {
		timer.Stop()
		delete(p.cancelWatchdogs, env.ID)
	}
	t := w.pending[env.ID]
	if t == nil || t.Settled() {
		return // the abort timeout already forced a settlement
	}
	delete(w.pending, env.ID)
	delete(p.tasksByID, env.ID)

	kind := cancellationErr()
	if p.timeoutDriven[env.ID] {
		kind = timeoutErr()
	}
	delete(p.timeoutDriven, env.ID)

	t.Settle(nil, kind)
	p.stats.cancelled++
	p.cfg.Metrics.RecordCancelled()

	p.maybeFastTrackTerminate(w)
	p.maybeReapIdle(w)
	p.tryDispatch()
	p.publishGauges()
}

func (p *Pool) handleTerminateAck(w *workerHandle) {
	if timer, ok := p.killTimers[w.id]; ok {
		timer.Stop()
		delete(p.killTimers, w.id)
	}
	// The channel's own exit handler fires the rest of teardown once the
	// isolate actually exits.
}

func (p *Pool) protocolViolation(w *workerHandle, err error) {
	log.Warn("protocol violation from worker", "worker", w.id, "err", err)
	p.stats.protocolErrors++
	p.forceTerminateWorker(w, protocolErr(err.Error()))
}

func (p *Pool) onExit(id uint64, info wchannel.ExitInfo) {
	w := p.workers[id]
	if w == nil {
		return
	}
	w.state = stateTerminated
	w.lastError = info.Err

	for tid, t := range w.pending {
		delete(p.tasksByID, tid)
		if timer, ok := p.cancelWatchdogs[tid]; ok {
			timer.Stop()
			delete(p.cancelWatchdogs, tid)
		}
		p.clearTimeoutTimer(t)
		if t.Settle(nil, workerTerminatedErr("worker terminated while task was in-flight")) {
			p.stats.failed++
			p.cfg.Metrics.RecordFailed()
		}
	}
	w.pending = map[uint64]*task.Task{}

	for _, t := range p.queue {
		if t.AssignedWorker == id {
			t.AssignedWorker = 0
		}
	}

	if timer, ok := p.drainTimers[id]; ok {
		timer.Stop()
		delete(p.drainTimers, id)
	}
	if timer, ok := p.killTimers[id]; ok {
		timer.Stop()
		delete(p.killTimers, id)
	}

	delete(p.workers, id)
	for i, wid := range p.workerOrder {
		if wid == id {
			p.workerOrder = append(p.workerOrder[:i], p.workerOrder[i+1:]...)
			break
		}
	}

	if p.cfg.OnTerminateWorker != nil {
		p.cfg.OnTerminateWorker(WorkerInfo{WorkerID: id})
	}
	p.cfg.Metrics.RecordWorkerExit()

	p.checkFullyTerminated()
	p.tryDispatch()
	p.publishGauges()
}

func (p *Pool) maybeReapIdle(w *workerHandle) {
	if p.cfg.IdleTimeout <= 0 || len(w.pending) != 0 || w.state != stateReady {
		return
	}
	if len(p.workers) <= p.cfg.effectiveMinWorkers() || len(p.queue) > 0 {
		return
	}
	id := w.id
	if w.idleTimer != nil {
		w.idleTimer.Stop()
	}
	w.idleTimer = time.AfterFunc(p.cfg.IdleTimeout, func() {
		p.post(func() { p.reapIfStillIdle(id) })
	})
}

func (p *Pool) reapIfStillIdle(id uint64) {
	w := p.workers[id]
	if w == nil || len(w.pending) != 0 || w.state != stateReady {
		return
	}
	if len(p.workers) <= p.cfg.effectiveMinWorkers() || len(p.queue) > 0 {
		return
	}
	log.Info("reaping idle worker", "worker", id)
	w.state = stateDraining
	ch := w.channel
	timeout := p.cfg.WorkerTerminateTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = ch.Terminate(ctx, false)
	}()
}

// maybeFastTrackTerminate sends TERMINATE_REQUEST as soon as a draining
// worker's last pending task settles, rather than waiting out the full
// drain timeout.
func (p *Pool) maybeFastTrackTerminate(w *workerHandle) {
	if p.terminated && w.state == stateDraining && len(w.pending) == 0 {
		if timer, ok := p.drainTimers[w.id]; ok {
			timer.Stop()
			delete(p.drainTimers, w.id)
		}
		p.sendTerminateRequest(w)
	}
}

func (p *Pool) forceTerminateWorker(w *workerHandle, cause error) {
	if w.state == stateTerminated {
		return
	}
	w.state = stateTerminating
	w.lastError = cause
	if timer, ok := p.drainTimers[w.id]; ok {
		timer.Stop()
		delete(p.drainTimers, w.id)
	}
	if timer, ok := p.killTimers[w.id]; ok {
		timer.Stop()
		delete(p.killTimers, w.id)
	}
	ch := w.channel
	timeout := p.cfg.WorkerTerminateTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = ch.Terminate(ctx, true)
	}()
}

func (p *Pool) beginTerminate(force bool, timeout time.Duration, waiter chan struct{}) {
	if timeout <= 0 {
		timeout = p.cfg.WorkerTerminateTimeout
	}
	if p.terminated {
		p.terminateWaiters = append(p.terminateWaiters, waiter)
		p.checkFullyTerminated()
		return
	}
	p.terminated = true
	p.terminateWaiters = append(p.terminateWaiters, waiter)

	for _, t := range p.queue {
		p.clearTimeoutTimer(t)
		delete(p.tasksByID, t.ID)
		t.Settle(nil, poolTerminatedErr())
	}
	p.queue = nil

	if len(p.workers) == 0 {
		p.checkFullyTerminated()
		return
	}

	for _, w := range p.workers {
		if w.state == stateTerminated || w.state == stateTerminating {
			continue
		}
		w.state = stateDraining
		if force {
			p.forceTerminateWorker(w, poolTerminatedErr())
			continue
		}
		if len(w.pending) == 0 {
			p.sendTerminateRequest(w)
			continue
		}
		p.scheduleDrainDeadline(w, timeout)
	}
	p.publishGauges()
}

func (p *Pool) scheduleDrainDeadline(w *workerHandle, timeout time.Duration) {
	id := w.id
	p.drainTimers[id] = time.AfterFunc(timeout, func() {
		p.post(func() { p.maybeSendTerminateRequest(id) })
	})
}

func (p *Pool) maybeSendTerminateRequest(id uint64) {
	delete(p.drainTimers, id)
	w := p.workers[id]
	if w == nil || w.terminateReqSent {
		return
	}
	p.sendTerminateRequest(w)
}

func (p *Pool) sendTerminateRequest(w *workerHandle) {
	w.terminateReqSent = true
	w.state = stateTerminating
	if err := w.channel.Send(protocol.Envelope{Kind: protocol.TerminateRequest}); err != nil {
		p.forceTerminateWorker(w, workerTerminatedErr("failed to send terminate request"))
		return
	}
	id := w.id
	p.killTimers[id] = time.AfterFunc(p.cfg.WorkerTerminateTimeout, func() {
		p.post(func() { p.onTerminateAckTimeout(id) })
	})
}

func (p *Pool) onTerminateAckTimeout(id uint64) {
	delete(p.killTimers, id)
	w := p.workers[id]
	if w == nil {
		return
	}
	log.Warn("worker did not ack terminate in time, forcing kill", "worker", id)
	p.forceTerminateWorker(w, workerTerminatedErr("worker killed after terminate timeout"))
}

func (p *Pool) checkFullyTerminated() {
	if p.terminated && len(p.workers) == 0 {
		for _, w := range p.terminateWaiters {
			close(w)
		}
		p.terminateWaiters = nil
	}
}
