// Package dispatcher implements the worker side of the RPC protocol (spec
// component C6): a method registry, a per-call context exposing Emit and
// OnAbort to handler code, and the request-handling loop that turns
// REQUEST/ABORT/TERMINATE_REQUEST envelopes into handler invocations.
//
// A Dispatcher owns one wchannel.Channel (the worker's end of the duplex
// pipe to the pool) and never touches pool-side state; it is the thing
// cmd/demoworker wires up against a stdio channel, and what the pool's
// Loopback-backed tests wire up directly in-process.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/workhive/workhive/internal/protocol"
	"github.com/workhive/workhive/internal/wchannel"
	"github.com/workhive/workhive/internal/werrors"
)

var log = slog.Default()

// SetLogger overrides the package logger, mirroring internal/pool.SetLogger.
func SetLogger(l *slog.Logger) { log = l }

// DefaultAbortListenerTimeout is the "abortListenerTimeout" of spec.md §4.6:
// how long onAbort callbacks get to settle before the dispatcher gives up
// and exits the process.
const DefaultAbortListenerTimeout = time.Second

// cleanupEpsilon is subtracted from WorkerTerminateTimeout to leave room for
// the TERMINATE_ACK to actually make it onto the wire before the pool's own
// kill timer fires.
const cleanupEpsilon = 50 * time.Millisecond

// CleanupMethod is the reserved method name invoked on TERMINATE_REQUEST, if
// registered.
const CleanupMethod = "__cleanup__"

// MethodsMethod is the reserved method name that always responds with the
// list of currently registered handler names, regardless of what (if
// anything) is registered under that name. spec.md §3 names this and
// __cleanup__ as the two names "never user-settable" — a pool's Proxy
// calls this once, on any worker, to discover what it can dispatch.
const MethodsMethod = "methods"

// HandlerFunc is a registered method body. args mirrors REQUEST.Params; the
// returned value becomes RESPONSE.Result on success, or an error frame on
// failure. Handlers needing to report progress or react to cancellation do
// so through cc.
type HandlerFunc func(cc *CallContext, args []any) (any, error)

// Options configures a Dispatcher's timing and process-exit behavior.
type Options struct {
	AbortListenerTimeout   time.Duration
	WorkerTerminateTimeout time.Duration

	// Exit is called to terminate the process after an ABORT_ACK following
	// a failed/expired onAbort callback, and after a clean TERMINATE_ACK.
	// Overridable so tests can observe the call instead of killing the test
	// binary.
	Exit func(code int)
}

func (o *Options) withDefaults() {
	if o.AbortListenerTimeout <= 0 {
		o.AbortListenerTimeout = DefaultAbortListenerTimeout
	}
	if o.Exit == nil {
		o.Exit = os.Exit
	}
}

// Dispatcher is the worker-side request loop. Zero value is not usable; use
// New.
type Dispatcher struct {
	channel wchannel.Channel
	opts    Options

	mu      sync.Mutex
	methods map[string]HandlerFunc
	calls   map[uint64]*activeCall
}

// activeCall tracks the onAbort callbacks registered for one in-flight
// REQUEST, whether an ABORT has arrived for it, and the cancel func for its
// CallContext's Context().
type activeCall struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	aborted bool
	onAbort []func(context.Context) error
}

// New wires a Dispatcher onto channel. Register methods with Register before
// or after Run; Run sends READY, so registering afterwards is safe as long
// as it happens before the pool could plausibly dispatch that method.
func New(channel wchannel.Channel, opts Options) *Dispatcher {
	opts.withDefaults()
	d := &Dispatcher{
		channel: channel,
		opts:    opts,
		methods: make(map[string]HandlerFunc),
		calls:   make(map[uint64]*activeCall),
	}
	channel.OnMessage(d.onEnvelope)
	return d
}

// Register installs handler under name, replacing any prior registration.
// MethodsMethod is reserved and cannot be overridden; a registration
// attempt against it is dropped with a warning.
func (d *Dispatcher) Register(name string, handler HandlerFunc) {
	if name == MethodsMethod {
		log.Warn("dispatcher: ignoring attempt to register reserved method name", "name", name)
		return
	}
	d.mu.Lock()
	d.methods[name] = handler
	d.mu.Unlock()
}

// Run announces readiness. Call once, after the initial method table is
// registered.
func (d *Dispatcher) Run() error {
	return d.channel.Send(protocol.Envelope{Kind: protocol.Ready})
}

func (d *Dispatcher) onEnvelope(env protocol.Envelope) {
	switch env.Kind {
	case protocol.Request:
		go d.handleRequest(env)
	case protocol.Abort:
		go d.handleAbort(env.ID)
	case protocol.TerminateRequest:
		go d.handleTerminate()
	default:
		log.Warn("dispatcher: unexpected envelope from pool", "kind", env.Kind.String())
	}
}

func (d *Dispatcher) lookup(name string) (HandlerFunc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.methods[name]
	return h, ok
}

// methodNames returns the registered handler names, sorted for a
// deterministic MethodsMethod response.
func (d *Dispatcher) methodNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// handleRequest resolves and invokes the method, then sends exactly one
// RESPONSE, unless an ABORT arrived for the call while it ran: then the
// ABORT_ACK sent by handleAbort is the call's only reply. It runs on its own goroutine so a slow handler never blocks
// other in-flight calls or the ABORT/TERMINATE_REQUEST paths — the
// "interleave only at suspension points" of spec.md §4.6 is approximated
// here by never holding d.mu across a handler call.
func (d *Dispatcher) handleRequest(env protocol.Envelope) {
	if env.Method == MethodsMethod {
		d.respond(env.ID, d.methodNames(), nil, nil)
		return
	}

	h, ok := d.lookup(env.Method)
	if !ok {
		d.respond(env.ID, nil, werrors.Newf(werrors.MethodNotFound, "no such method: %s", env.Method), nil)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	call := &activeCall{cancel: cancel}
	d.mu.Lock()
	d.calls[env.ID] = call
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.calls, env.ID)
		d.mu.Unlock()
		cancel()
	}()

	cc := &CallContext{ctx: ctx, id: env.ID, channel: d.channel, call: call, regions: env.Regions}
	result, err := d.invoke(cc, h, env.Params)
	call.mu.Lock()
	aborted := call.aborted
	call.mu.Unlock()
	if aborted {
		return
	}
	d.respond(env.ID, result, err, cc.takeOutRegions())
}

// invoke recovers a handler panic into a HandlerError rather than letting it
// crash the worker process outright.
func (d *Dispatcher) invoke(cc *CallContext, h HandlerFunc, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = werrors.Newf(werrors.Handler, "handler panic: %v", r)
		}
	}()
	return h(cc, args)
}

// respond sends the terminal RESPONSE for id. regions, if non-empty, ride
// alongside the result flagged for move (rather than copy) semantics —
// populated from any CallContext.Transfer calls the handler made before
// returning (spec.md §8 scenario S5's "emits it with the region in the
// transfer list").
func (d *Dispatcher) respond(id uint64, result any, err error, regions []protocol.Region) {
	env := protocol.Envelope{Kind: protocol.Response, ID: id, Result: result}
	if err != nil {
		env.Result = nil
		env.Error = protocol.MarshalError(err)
	} else if len(regions) > 0 {
		env.Regions = regions
		names := make([]string, len(regions))
		for i, r := range regions {
			names[i] = r.Name
		}
		env.Transfer = names
	}
	if sendErr := d.channel.Send(env); sendErr != nil {
		log.Warn("dispatcher: send response failed", "id", id, "err", sendErr)
	}
}

// handleAbort fires every onAbort callback registered for id concurrently,
// waits for them to settle or for AbortListenerTimeout to elapse, then
// always sends ABORT_ACK. A callback error or an expired timer is treated
// as an unrecoverable leak risk (spec.md §4.6) and the process exits right
// after the ack goes out.
func (d *Dispatcher) handleAbort(id uint64) {
	d.mu.Lock()
	call, ok := d.calls[id]
	d.mu.Unlock()
	if !ok {
		// Already settled (or never existed): nothing to cancel, ack
		// anyway so the pool's watchdog can stand down.
		_ = d.channel.Send(protocol.Envelope{Kind: protocol.AbortAck, ID: id})
		return
	}

	call.mu.Lock()
	call.aborted = true
	callbacks := append([]func(context.Context) error(nil), call.onAbort...)
	call.mu.Unlock()
	call.cancel()

	abortErr := d.runAbortCallbacks(callbacks)

	if err := d.channel.Send(protocol.Envelope{Kind: protocol.AbortAck, ID: id}); err != nil {
		log.Warn("dispatcher: send abort-ack failed", "id", id, "err", err)
	}

	if abortErr != nil {
		log.Warn("dispatcher: onAbort callback failed or timed out, exiting", "id", id, "err", abortErr)
		d.opts.Exit(1)
	}
}

func (d *Dispatcher) runAbortCallbacks(callbacks []func(context.Context) error) error {
	if len(callbacks) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.AbortListenerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var wg sync.WaitGroup
		var mu sync.Mutex
		var firstErr error
		for _, cb := range callbacks {
			wg.Add(1)
			go func(cb func(context.Context) error) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						mu.Lock()
						if firstErr == nil {
							firstErr = fmt.Errorf("onAbort callback panic: %v", r)
						}
						mu.Unlock()
					}
				}()
				if err := cb(ctx); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}(cb)
		}
		wg.Wait()
		done <- firstErr
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(d.opts.AbortListenerTimeout):
		return fmt.Errorf("onAbort callbacks exceeded %s", d.opts.AbortListenerTimeout)
	}
}

// handleTerminate runs the registered __cleanup__ hook (if any) within
// workerTerminateTimeout-epsilon, then sends TERMINATE_ACK and exits 0,
// regardless of whether cleanup succeeded, timed out, or was absent.
func (d *Dispatcher) handleTerminate() {
	cleanup, ok := d.lookup(CleanupMethod)
	if ok {
		budget := d.opts.WorkerTerminateTimeout - cleanupEpsilon
		if budget <= 0 {
			budget = d.opts.AbortListenerTimeout
		}
		d.runCleanup(cleanup, budget)
	}

	if err := d.channel.Send(protocol.Envelope{Kind: protocol.TerminateAck}); err != nil {
		log.Warn("dispatcher: send terminate-ack failed", "err", err)
	}
	d.opts.Exit(0)
}

func (d *Dispatcher) runCleanup(cleanup HandlerFunc, budget time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	cc := &CallContext{ctx: ctx, channel: d.channel}
	done := make(chan struct{})
	var cleanupErr error
	go func() {
		_, cleanupErr = d.invoke(cc, cleanup, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		cleanupErr = ctx.Err()
	}
	if cleanupErr != nil {
		log.Warn("dispatcher: __cleanup__ did not complete cleanly", "err", cleanupErr)
	}
}

// CallContext is handed to a HandlerFunc for the duration of one call. It is
// not safe to retain past the handler's return.
type CallContext struct {
	ctx     context.Context
	id      uint64
	channel wchannel.Channel
	call    *activeCall // nil for the synthetic __cleanup__ call
	regions []protocol.Region

	outMu      sync.Mutex
	outRegions []protocol.Region
}

// Context is cancelled the moment an ABORT for this call arrives.
func (cc *CallContext) Context() context.Context { return cc.ctx }

// Emit sends one streamed progress payload. Safe to call any number of
// times before the handler returns.
func (cc *CallContext) Emit(payload any) {
	_ = cc.channel.Send(protocol.Envelope{Kind: protocol.Event, ID: cc.id, Payload: payload})
}

// EmitRegions behaves like Emit but additionally attaches regions to the
// EVENT, flagged in the transfer list for move (rather than copy) semantics
// (spec.md §8 scenario S5). It reports whether the channel is actually
// capable of detaching them — true if the channel supports transfer, false
// if the regions will ride as a copy instead.
func (cc *CallContext) EmitRegions(payload any, regions []protocol.Region) bool {
	names := make([]string, len(regions))
	for i, r := range regions {
		names[i] = r.Name
	}
	env := protocol.Envelope{Kind: protocol.Event, ID: cc.id, Payload: payload, Regions: regions, Transfer: names}
	_ = cc.channel.Send(env)
	if tc, ok := cc.channel.(wchannel.TransferCapable); ok {
		return tc.SupportsTransfer()
	}
	return false
}

// Transfer marks regions to ride along with this call's eventual RESPONSE,
// flagged in the transfer list for move (rather than copy) semantics.
// Safe to call any number of times before the handler returns.
func (cc *CallContext) Transfer(regions ...protocol.Region) {
	cc.outMu.Lock()
	cc.outRegions = append(cc.outRegions, regions...)
	cc.outMu.Unlock()
}

// takeOutRegions returns the regions accumulated via Transfer.
func (cc *CallContext) takeOutRegions() []protocol.Region {
	cc.outMu.Lock()
	defer cc.outMu.Unlock()
	return cc.outRegions
}

// OnAbort registers cb to run if the pool sends ABORT for this call. cb
// receives a context bounded by the dispatcher's abortListenerTimeout; an
// error it returns (or a panic it raises) is treated as a failed abort and
// causes the worker process to exit after ABORT_ACK is sent. A no-op on the
// synthetic __cleanup__ call, which has no abort path.
func (cc *CallContext) OnAbort(cb func(context.Context) error) {
	if cc.call == nil {
		return
	}
	cc.call.mu.Lock()
	cc.call.onAbort = append(cc.call.onAbort, cb)
	cc.call.mu.Unlock()
}

// Regions returns the named binary buffers that rode alongside this call's
// REQUEST.
func (cc *CallContext) Regions() []protocol.Region { return cc.regions }
