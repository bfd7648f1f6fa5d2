// Package workhive is the public library surface over the dispatch core:
// NewPool spins up a bounded pool of worker isolates reachable over a
// WorkerChannel, Worker wires a worker process's stdin/stdout to a method
// registry, and Transfer flags a byte buffer for move rather than copy
// semantics. Everything else (internal/pool, internal/dispatcher,
// internal/wchannel, internal/task) is implementation detail behind this
// facade, the same way the teacher's internal/cli is the only consumer of
// internal/worker and internal/controller.
package workhive

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/workhive/workhive/internal/dispatcher"
	"github.com/workhive/workhive/internal/pool"
	"github.com/workhive/workhive/internal/protocol"
	"github.com/workhive/workhive/internal/task"
	"github.com/workhive/workhive/internal/wchannel"
)

// Region is a named binary buffer eligible for move semantics. Transfer
// builds one from raw bytes; list it in ExecOpts.Regions to make it ride
// alongside a call instead of inline in Args.
type Region = protocol.Region

// Transfer flags data as eligible for move (rather than copy) semantics for
// the channel types that support it. The returned Region's Name is what
// Args should reference (e.g. by passing the name as a string argument
// instead of the bytes themselves) so the worker side knows where to look.
func Transfer(name string, data []byte) Region {
	return Region{Name: name, Data: data}
}

// Options configures NewPool. WorkerType selects the transport: "process"
// (default) spawns Script as an OS process talking NDJSON over stdio;
// "network" dials Address as a gRPC worker link.
type Options struct {
	WorkerType string
	Args       []string
	Env        []string
	Dir        string
	Address    string

	MinWorkers             int
	MaxWorkers             int
	MaxQueueSize           int
	WorkerTerminateTimeout time.Duration
	MaxTasksPerWorker      int
	IdleTimeout            time.Duration
	EmitStdStreams         bool

	OnCreateWorker    func(pool.WorkerInfo) (pool.SpawnOverrides, error)
	OnTerminateWorker func(pool.WorkerInfo)
	Metrics           pool.MetricsSink
}

// Pool is a bounded set of worker isolates dispatching calls submitted
// through Exec.
type Pool struct {
	inner *pool.Pool
}

// NewPool builds the worker channel factory for script/opts.WorkerType and
// starts a Pool against it. Worker spawning itself is lazy: no isolate is
// launched until Exec needs one (or NewPool pre-spawns opts.MinWorkers).
func NewPool(script string, opts Options) (*Pool, error) {
	factory, err := newChannelFactory(script, opts)
	if err != nil {
		return nil, err
	}

	cfg := pool.Config{
		Script:                 script,
		WorkerType:             opts.WorkerType,
		MinWorkers:             opts.MinWorkers,
		MaxWorkers:             opts.MaxWorkers,
		MaxQueueSize:           opts.MaxQueueSize,
		WorkerTerminateTimeout: opts.WorkerTerminateTimeout,
		MaxTasksPerWorker:      opts.MaxTasksPerWorker,
		IdleTimeout:            opts.IdleTimeout,
		EmitStdStreams:         opts.EmitStdStreams,
		OnCreateWorker:         opts.OnCreateWorker,
		OnTerminateWorker:      opts.OnTerminateWorker,
		Metrics:                opts.Metrics,
	}
	return &Pool{inner: pool.NewPool(cfg, factory)}, nil
}

func newChannelFactory(script string, opts Options) (pool.ChannelFactory, error) {
	switch opts.WorkerType {
	case "network":
		if opts.Address == "" {
			return nil, fmt.Errorf("workhive: WorkerType \"network\" requires Address")
		}
		return func(ctx context.Context, info pool.WorkerInfo) (wchannel.Channel, error) {
			return wchannel.DialGRPC(ctx, opts.Address)
		}, nil
	case "", "process":
		if script == "" {
			return nil, fmt.Errorf("workhive: script is required for WorkerType \"process\"")
		}
		return func(ctx context.Context, info pool.WorkerInfo) (wchannel.Channel, error) {
			args := append(append([]string(nil), opts.Args...), info.ForkArgs...)
			return wchannel.StartProcess(wchannel.ProcessOptions{
				Command:        script,
				Args:           args,
				Env:            opts.Env,
				Dir:            opts.Dir,
				EmitStdStreams: opts.EmitStdStreams,
			})
		}, nil
	default:
		return nil, fmt.Errorf("workhive: unknown WorkerType %q", opts.WorkerType)
	}
}

// ExecOpts are the per-call options recognized by Exec.
type ExecOpts struct {
	On      func(payload any)
	Regions []Region
	Timeout time.Duration
}

// Exec submits method(args) to the pool and returns a handle for its
// eventual result. It never blocks on the call itself; it only fails
// synchronously if the pool is terminated or its queue is at capacity.
func (p *Pool) Exec(method string, args []any, opts ExecOpts) (*TaskHandle, error) {
	var on task.EventFunc
	if opts.On != nil {
		on = task.EventFunc(opts.On)
	}
	t, err := p.inner.Exec(method, args, pool.ExecOpts{On: on, Regions: opts.Regions, Timeout: opts.Timeout})
	if err != nil {
		return nil, err
	}
	return &TaskHandle{pool: p.inner, task: t}, nil
}

// ProxyFunc is what Proxy builds one of per remotely registered method name:
// a function delegating to Exec(name, args, opts).
type ProxyFunc func(args []any, opts ExecOpts) (*TaskHandle, error)

// Proxy discovers the pool's registered method names by calling the
// reserved "methods" method on any worker, once, and returns a function per
// name delegating to Exec. A Go map keyed by name stands in for "an object
// whose property for each name is a function": ergonomics beyond that are
// left to the caller.
func (p *Pool) Proxy() (map[string]ProxyFunc, error) {
	names, err := p.discoverMethods()
	if err != nil {
		return nil, err
	}
	proxy := make(map[string]ProxyFunc, len(names))
	for _, name := range names {
		method := name
		proxy[method] = func(args []any, opts ExecOpts) (*TaskHandle, error) {
			return p.Exec(method, args, opts)
		}
	}
	return proxy, nil
}

func (p *Pool) discoverMethods() ([]string, error) {
	handle, err := p.Exec(dispatcher.MethodsMethod, nil, ExecOpts{})
	if err != nil {
		return nil, fmt.Errorf("workhive: discover methods: %w", err)
	}
	<-handle.Done()
	result, err := handle.Result()
	if err != nil {
		return nil, fmt.Errorf("workhive: discover methods: %w", err)
	}
	return parseMethodNames(result)
}

// parseMethodNames accepts both shapes a "methods" RESPONSE can arrive in:
// []string, as Loopback hands back untouched, or []any of strings, as every
// channel that round-trips through protocol.Encode/Decode produces.
func parseMethodNames(result any) ([]string, error) {
	switch v := result.(type) {
	case []string:
		return v, nil
	case []any:
		names := make([]string, len(v))
		for i, entry := range v {
			name, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("workhive: discover methods: non-string entry %T at index %d", entry, i)
			}
			names[i] = name
		}
		return names, nil
	default:
		return nil, fmt.Errorf("workhive: discover methods: unexpected result type %T", result)
	}
}

// Stats returns a point-in-time snapshot of the pool's worker/task counts.
func (p *Pool) Stats() pool.Stats { return p.inner.Stats() }

// Terminate shuts the pool down: gracefully (waiting up to timeout for
// in-flight tasks to finish) if !force, immediately otherwise. It returns
// once every worker has exited or ctx is done.
func (p *Pool) Terminate(ctx context.Context, force bool, timeout time.Duration) error {
	return p.inner.Terminate(ctx, force, timeout)
}

// TaskHandle is the caller-visible view of one Exec call: a thenable future
// plus Cancel/Timeout.
type TaskHandle struct {
	pool *pool.Pool
	task *task.Task
}

// Done closes once the task settles.
func (h *TaskHandle) Done() <-chan struct{} { return h.task.Done() }

// Result returns the settled value; only meaningful after Done() closes.
func (h *TaskHandle) Result() (any, error) { return h.task.Result() }

// Then registers onResolve/onReject to run (on their own goroutine) once
// the task settles. Either callback may be nil.
func (h *TaskHandle) Then(onResolve func(any), onReject func(error)) {
	go func() {
		<-h.task.Done()
		result, err := h.task.Result()
		if err != nil {
			if onReject != nil {
				onReject(err)
			}
			return
		}
		if onResolve != nil {
			onResolve(result)
		}
	}()
}

// Cancel requests cancellation of the underlying task. It blocks until the
// pool has processed the request; a task still queued settles
// synchronously with CancellationError before Cancel returns.
func (h *TaskHandle) Cancel() { h.pool.Cancel(h.task.ID) }

// Timeout installs or overrides the task's deadline, counted from now.
func (h *TaskHandle) Timeout(d time.Duration) { h.pool.SetTimeout(h.task.ID, d) }

// HandlerFunc and CallContext are re-exported so worker binaries never need
// to import internal/dispatcher directly.
type HandlerFunc = dispatcher.HandlerFunc
type CallContext = dispatcher.CallContext

// WorkerOptions configures Worker's Dispatcher.
type WorkerOptions struct {
	AbortListenerTimeout   time.Duration
	WorkerTerminateTimeout time.Duration
	Exit                   func(code int)
}

// Worker wires a Dispatcher onto the process's own stdin/stdout and
// registers methods against it. Call Run on the result to announce
// readiness once every method the pool might dispatch is registered.
func Worker(methods map[string]HandlerFunc, opts WorkerOptions) *dispatcher.Dispatcher {
	channel := wchannel.NewStdio(os.Stdin, os.Stdout)
	d := dispatcher.New(channel, dispatcher.Options{
		AbortListenerTimeout:   opts.AbortListenerTimeout,
		WorkerTerminateTimeout: opts.WorkerTerminateTimeout,
		Exit:                   opts.Exit,
	})
	for name, h := range methods {
		d.Register(name, h)
	}
	return d
}
