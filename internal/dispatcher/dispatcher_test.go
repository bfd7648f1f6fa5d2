package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workhive/workhive/internal/protocol"
	"github.com/workhive/workhive/internal/wchannel"
)

// poolSideHarness drives the pool's end of a Loopback pair: it records every
// envelope it receives and lets tests send REQUEST/ABORT/TERMINATE_REQUEST
// without a real Pool.
type poolSideHarness struct {
	channel *wchannel.Loopback
	envs    chan protocol.Envelope
}

func newHarness() (*poolSideHarness, *wchannel.Loopback) {
	poolSide, workerSide := wchannel.Pair()
	h := &poolSideHarness{channel: poolSide, envs: make(chan protocol.Envelope, 64)}
	poolSide.OnMessage(func(env protocol.Envelope) { h.envs <- env })
	return h, workerSide
}

func (h *poolSideHarness) next(t *testing.T, d time.Duration) protocol.Envelope {
	t.Helper()
	select {
	case env := <-h.envs:
		return env
	case <-time.After(d):
		t.Fatal("timed out waiting for envelope from dispatcher")
		return protocol.Envelope{}
	}
}

func newTestDispatcher(opts Options) (*Dispatcher, *poolSideHarness) {
	h, workerSide := newHarness()
	d := New(workerSide, opts)
	return d, h
}

func TestRunSendsReady(t *testing.T) {
	d, h := newTestDispatcher(Options{})
	require.NoError(t, d.Run())
	env := h.next(t, time.Second)
	assert.Equal(t, protocol.Ready, env.Kind)
}

func TestUnknownMethodRespondsMethodNotFound(t *testing.T) {
	d, h := newTestDispatcher(Options{})
	require.NoError(t, d.Run())
	h.next(t, time.Second) // drain READY

	require.NoError(t, h.channel.Send(protocol.Envelope{Kind: protocol.Request, ID: 1, Method: "nope"}))

	resp := h.next(t, time.Second)
	require.Equal(t, protocol.Response, resp.Kind)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "MethodNotFound", resp.Error.Name)
}

func TestHandlerSuccessRespondsWithResult(t *testing.T) {
	d, h := newTestDispatcher(Options{})
	d.Register("double", func(cc *CallContext, args []any) (any, error) {
		return args[0].(float64) * 2, nil
	})
	require.NoError(t, d.Run())
	h.next(t, time.Second)

	require.NoError(t, h.channel.Send(protocol.Envelope{Kind: protocol.Request, ID: 1, Method: "double", Params: []any{float64(21)}}))

	resp := h.next(t, time.Second)
	require.Equal(t, protocol.Response, resp.Kind)
	require.Nil(t, resp.Error)
	assert.Equal(t, float64(42), resp.Result)
}

func TestHandlerErrorRespondsWithErrorFrame(t *testing.T) {
	d, h := newTestDispatcher(Options{})
	d.Register("boom", func(cc *CallContext, args []any) (any, error) {
		return nil, errors.New("kaboom")
	})
	require.NoError(t, d.Run())
	h.next(t, time.Second)

	require.NoError(t, h.channel.Send(protocol.Envelope{Kind: protocol.Request, ID: 7, Method: "boom"}))

	resp := h.next(t, time.Second)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "kaboom")
}

func TestHandlerPanicRecoveredAsHandlerError(t *testing.T) {
	d, h := newTestDispatcher(Options{})
	d.Register("panics", func(cc *CallContext, args []any) (any, error) {
		panic("oh no")
	})
	require.NoError(t, d.Run())
	h.next(t, time.Second)

	require.NoError(t, h.channel.Send(protocol.Envelope{Kind: protocol.Request, ID: 1, Method: "panics"}))

	resp := h.next(t, time.Second)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "HandlerError", resp.Error.Name)
}

// TestEmitBeforeResponse checks a streaming handler's EVENTs arrive on the
// wire before its RESPONSE.
func TestEmitBeforeResponse(t *testing.T) {
	d, h := newTestDispatcher(Options{})
	d.Register("stream", func(cc *CallContext, args []any) (any, error) {
		cc.Emit(1)
		cc.Emit(2)
		return "done", nil
	})
	require.NoError(t, d.Run())
	h.next(t, time.Second)

	require.NoError(t, h.channel.Send(protocol.Envelope{Kind: protocol.Request, ID: 1, Method: "stream"}))

	e1 := h.next(t, time.Second)
	e2 := h.next(t, time.Second)
	resp := h.next(t, time.Second)

	assert.Equal(t, protocol.Event, e1.Kind)
	assert.Equal(t, 1, e1.Payload)
	assert.Equal(t, protocol.Event, e2.Kind)
	assert.Equal(t, 2, e2.Payload)
	assert.Equal(t, protocol.Response, resp.Kind)
	assert.Equal(t, "done", resp.Result)
}

// TestAbortRunsCallbackAndAcksWithoutExiting covers the cooperative path: a
// handler registers an onAbort callback that settles quickly and cleanly, so
// the dispatcher acks without invoking Exit.
func TestAbortRunsCallbackAndAcksWithoutExiting(t *testing.T) {
	exited := make(chan int, 1)
	started := make(chan struct{})
	aborted := make(chan struct{})

	d, h := newTestDispatcher(Options{
		AbortListenerTimeout: 200 * time.Millisecond,
		Exit:                 func(code int) { exited <- code },
	})
	d.Register("wait", func(cc *CallContext, args []any) (any, error) {
		cc.OnAbort(func(ctx context.Context) error {
			close(aborted)
			return nil
		})
		close(started)
		<-cc.Context().Done()
		return nil, cc.Context().Err()
	})
	require.NoError(t, d.Run())
	h.next(t, time.Second)

	require.NoError(t, h.channel.Send(protocol.Envelope{Kind: protocol.Request, ID: 1, Method: "wait"}))
	<-started

	require.NoError(t, h.channel.Send(protocol.Envelope{Kind: protocol.Abort, ID: 1}))

	<-aborted
	ack := h.next(t, time.Second)
	assert.Equal(t, protocol.AbortAck, ack.Kind)
	assert.Equal(t, uint64(1), ack.ID)

	select {
	case code := <-exited:
		t.Fatalf("dispatcher exited(%d) after a clean abort callback", code)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestAbortCallbackTimeoutExitsProcess covers the coercive path: an onAbort
// callback that does not settle within AbortListenerTimeout still gets an
// ABORT_ACK on the wire, but the dispatcher then exits(1).
func TestAbortCallbackTimeoutExitsProcess(t *testing.T) {
	exited := make(chan int, 1)
	started := make(chan struct{})

	d, h := newTestDispatcher(Options{
		AbortListenerTimeout: 20 * time.Millisecond,
		Exit:                 func(code int) { exited <- code },
	})
	d.Register("wait", func(cc *CallContext, args []any) (any, error) {
		cc.OnAbort(func(ctx context.Context) error {
			<-ctx.Done() // never settles on its own
			return ctx.Err()
		})
		close(started)
		<-cc.Context().Done()
		return nil, cc.Context().Err()
	})
	require.NoError(t, d.Run())
	h.next(t, time.Second)

	require.NoError(t, h.channel.Send(protocol.Envelope{Kind: protocol.Request, ID: 1, Method: "wait"}))
	<-started

	require.NoError(t, h.channel.Send(protocol.Envelope{Kind: protocol.Abort, ID: 1}))

	ack := h.next(t, time.Second)
	assert.Equal(t, protocol.AbortAck, ack.Kind)

	select {
	case code := <-exited:
		assert.Equal(t, 1, code)
	case <-time.After(time.Second):
		t.Fatal("dispatcher never exited after an abort callback timeout")
	}
}

// TestTerminateRunsCleanupThenAcksAndExits covers TERMINATE_REQUEST when
// __cleanup__ is registered.
func TestTerminateRunsCleanupThenAcksAndExits(t *testing.T) {
	exited := make(chan int, 1)
	cleaned := make(chan struct{})

	d, h := newTestDispatcher(Options{
		WorkerTerminateTimeout: 200 * time.Millisecond,
		Exit:                   func(code int) { exited <- code },
	})
	d.Register(CleanupMethod, func(cc *CallContext, args []any) (any, error) {
		close(cleaned)
		return nil, nil
	})
	require.NoError(t, d.Run())
	h.next(t, time.Second)

	require.NoError(t, h.channel.Send(protocol.Envelope{Kind: protocol.TerminateRequest}))

	<-cleaned
	ack := h.next(t, time.Second)
	assert.Equal(t, protocol.TerminateAck, ack.Kind)

	select {
	case code := <-exited:
		assert.Equal(t, 0, code)
	case <-time.After(time.Second):
		t.Fatal("dispatcher never exited after terminate")
	}
}

// TestMethodsRequestReturnsRegisteredNames covers the reserved "methods"
// name: it must respond with the sorted registered name list regardless of
// what, if anything, is registered under that name.
func TestMethodsRequestReturnsRegisteredNames(t *testing.T) {
	d, h := newTestDispatcher(Options{})
	d.Register("double", func(cc *CallContext, args []any) (any, error) { return nil, nil })
	d.Register("fib", func(cc *CallContext, args []any) (any, error) { return nil, nil })
	require.NoError(t, d.Run())
	h.next(t, time.Second)

	require.NoError(t, h.channel.Send(protocol.Envelope{Kind: protocol.Request, ID: 1, Method: MethodsMethod}))

	resp := h.next(t, time.Second)
	require.Equal(t, protocol.Response, resp.Kind)
	require.Nil(t, resp.Error)
	assert.Equal(t, []string{"double", "fib"}, resp.Result)
}

// TestRegisterRejectsReservedMethodsName covers Register's refusal to let
// user code shadow the reserved "methods" name.
func TestRegisterRejectsReservedMethodsName(t *testing.T) {
	d, h := newTestDispatcher(Options{})
	d.Register(MethodsMethod, func(cc *CallContext, args []any) (any, error) {
		return "shadowed", nil
	})
	require.NoError(t, d.Run())
	h.next(t, time.Second)

	require.NoError(t, h.channel.Send(protocol.Envelope{Kind: protocol.Request, ID: 1, Method: MethodsMethod}))

	resp := h.next(t, time.Second)
	assert.Equal(t, []string{}, resp.Result)
}

// TestEmitRegionsCarriesTransferList covers spec.md §8 scenario S5: an EVENT
// built via EmitRegions carries the region plus its name in the transfer
// list, and EmitRegions reports the channel's transfer capability.
func TestEmitRegionsCarriesTransferList(t *testing.T) {
	d, h := newTestDispatcher(Options{})
	d.Register("createArray", func(cc *CallContext, args []any) (any, error) {
		region := protocol.Region{Name: "array", Data: make([]byte, 8)}
		isDetached := cc.EmitRegions("allocated", []protocol.Region{region})
		return isDetached, nil
	})
	require.NoError(t, d.Run())
	h.next(t, time.Second)

	require.NoError(t, h.channel.Send(protocol.Envelope{Kind: protocol.Request, ID: 1, Method: "createArray"}))

	event := h.next(t, time.Second)
	require.Equal(t, protocol.Event, event.Kind)
	require.Len(t, event.Regions, 1)
	assert.Equal(t, "array", event.Regions[0].Name)
	assert.Equal(t, []string{"array"}, event.Transfer)

	resp := h.next(t, time.Second)
	require.Equal(t, protocol.Response, resp.Kind)
	assert.Equal(t, true, resp.Result)
}

// TestTransferAttachesRegionsToResponse covers CallContext.Transfer: regions
// registered before the handler returns ride on the RESPONSE envelope
// itself, flagged in its transfer list.
func TestTransferAttachesRegionsToResponse(t *testing.T) {
	d, h := newTestDispatcher(Options{})
	d.Register("withRegion", func(cc *CallContext, args []any) (any, error) {
		cc.Transfer(protocol.Region{Name: "blob", Data: []byte("hi")})
		return "ok", nil
	})
	require.NoError(t, d.Run())
	h.next(t, time.Second)

	require.NoError(t, h.channel.Send(protocol.Envelope{Kind: protocol.Request, ID: 1, Method: "withRegion"}))

	resp := h.next(t, time.Second)
	require.Equal(t, protocol.Response, resp.Kind)
	require.Len(t, resp.Regions, 1)
	assert.Equal(t, "blob", resp.Regions[0].Name)
	assert.Equal(t, []string{"blob"}, resp.Transfer)
}

// TestTerminateWithoutCleanupAcksImmediately covers the no-__cleanup__ case.
func TestTerminateWithoutCleanupAcksImmediately(t *testing.T) {
	exited := make(chan int, 1)
	d, h := newTestDispatcher(Options{Exit: func(code int) { exited <- code }})
	require.NoError(t, d.Run())
	h.next(t, time.Second)

	require.NoError(t, h.channel.Send(protocol.Envelope{Kind: protocol.TerminateRequest}))

	ack := h.next(t, time.Second)
	assert.Equal(t, protocol.TerminateAck, ack.Kind)

	select {
	case code := <-exited:
		assert.Equal(t, 0, code)
	case <-time.After(time.Second):
		t.Fatal("dispatcher never exited after terminate")
	}
}
