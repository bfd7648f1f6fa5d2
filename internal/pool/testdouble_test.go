package pool

import (
	"context"

	"github.com/workhive/workhive/internal/protocol"
	"github.com/workhive/workhive/internal/wchannel"
)

// scriptedFactory builds a ChannelFactory backed by an in-memory Loopback
// pair (see internal/wchannel), with the worker side driven by a small
// fixed method table instead of a real dispatcher process — the same
// substitution the teacher's worker_test.go makes by driving Worker.Run
// directly instead of spawning an OS process.
func scriptedFactory(methods map[string]func([]any) (any, error)) ChannelFactory {
	return func(ctx context.Context, info WorkerInfo) (wchannel.Channel, error) {
		poolSide, workerSide := wchannel.Pair()
		wireScriptedWorker(workerSide, methods)
		return poolSide, nil
	}
}

// hangingFactory accepts REQUESTs but never responds to them, and never
// acks ABORT or TERMINATE_REQUEST either — every dispatched task just
// hangs, to exercise the forced-kill path.
func hangingFactory() ChannelFactory {
	return func(ctx context.Context, info WorkerInfo) (wchannel.Channel, error) {
		poolSide, workerSide := wchannel.Pair()
		wireHangingWorker(workerSide)
		return poolSide, nil
	}
}

func wireScriptedWorker(workerSide wchannel.Channel, methods map[string]func([]any) (any, error)) {
	workerSide.OnMessage(func(env protocol.Envelope) {
		switch env.Kind {
		case protocol.Request:
			respondTo(workerSide, env, methods)
		case protocol.Abort:
			_ = workerSide.Send(protocol.Envelope{Kind: protocol.AbortAck, ID: env.ID})
		case protocol.TerminateRequest:
			_ = workerSide.Send(protocol.Envelope{Kind: protocol.TerminateAck})
			_ = workerSide.Terminate(context.Background(), false)
		}
	})
	_ = workerSide.Send(protocol.Envelope{Kind: protocol.Ready})
}

func wireHangingWorker(workerSide wchannel.Channel) {
	// REQUEST, ABORT and TERMINATE_REQUEST are all received and ignored:
	// every call hangs until the pool forcibly kills the worker.
	workerSide.OnMessage(func(protocol.Envelope) {})
	_ = workerSide.Send(protocol.Envelope{Kind: protocol.Ready})
}

func respondTo(workerSide wchannel.Channel, env protocol.Envelope, methods map[string]func([]any) (any, error)) {
	h, ok := methods[env.Method]
	if !ok {
		_ = workerSide.Send(protocol.Envelope{
			Kind: protocol.Response, ID: env.ID,
			Error: &protocol.ErrorFrame{Name: "MethodNotFound", Message: "no such method: " + env.Method},
		})
		return
	}
	result, err := h(env.Params)
	if err != nil {
		_ = workerSide.Send(protocol.Envelope{
			Kind: protocol.Response, ID: env.ID,
			Error: &protocol.ErrorFrame{Name: "HandlerError", Message: err.Error()},
		})
		return
	}
	_ = workerSide.Send(protocol.Envelope{Kind: protocol.Response, ID: env.ID, Result: result})
}

// ackingAbortFactory never responds to REQUESTs (so a task only settles
// through cancellation) but acks ABORT immediately, exercising the
// cooperative (non-forced) cancellation path.
func ackingAbortFactory() ChannelFactory {
	return func(ctx context.Context, info WorkerInfo) (wchannel.Channel, error) {
		poolSide, workerSide := wchannel.Pair()
		workerSide.OnMessage(func(env protocol.Envelope) {
			if env.Kind == protocol.Abort {
				_ = workerSide.Send(protocol.Envelope{Kind: protocol.AbortAck, ID: env.ID})
			}
		})
		_ = workerSide.Send(protocol.Envelope{Kind: protocol.Ready})
		return poolSide, nil
	}
}

// neverRespondingFactory accepts requests but never replies at all, so a
// task only ever settles via cancellation/timeout, never a RESPONSE.
func neverRespondingFactory() ChannelFactory {
	return func(ctx context.Context, info WorkerInfo) (wchannel.Channel, error) {
		poolSide, workerSide := wchannel.Pair()
		workerSide.OnMessage(func(protocol.Envelope) {})
		_ = workerSide.Send(protocol.Envelope{Kind: protocol.Ready})
		return poolSide, nil
	}
}
