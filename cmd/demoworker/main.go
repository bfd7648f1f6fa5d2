package main

import (
	"context"
	"fmt"
	"time"

	"github.com/workhive/workhive"
)

func main() {
	d := workhive.Worker(map[string]workhive.HandlerFunc{
		"fib":         fib,
		"sleep":       sleepMethod,
		"createArray": createArray,
	}, workhive.WorkerOptions{})

	if err := d.Run(); err != nil {
		panic(err)
	}
	select {}
}

// fib computes the nth Fibonacci number, checking for cancellation on every
// step so a long call can actually be aborted instead of running to
// completion regardless.
func fib(cc *workhive.CallContext, args []any) (any, error) {
	n, ok := args[0].(float64)
	if !ok {
		return nil, fmt.Errorf("fib: expected a number argument")
	}

	a, b := 0, 1
	for i := 0; i < int(n); i++ {
		select {
		case <-cc.Context().Done():
			return nil, cc.Context().Err()
		default:
		}
		a, b = b, a+b
	}
	return a, nil
}

// sleepMethod blocks for the requested duration, emitting a progress event
// every tenth of the interval, and registers an abort hook so an ABORT can
// interrupt it instead of waiting out the rest of the sleep.
func sleepMethod(cc *workhive.CallContext, args []any) (any, error) {
	ms, ok := args[0].(float64)
	if !ok {
		return nil, fmt.Errorf("sleep: expected a duration in milliseconds")
	}
	total := time.Duration(ms) * time.Millisecond

	aborted := make(chan struct{})
	cc.OnAbort(func(context.Context) error {
		close(aborted)
		return nil
	})

	ticks := 10
	step := total / time.Duration(ticks)
	for i := 0; i < ticks; i++ {
		select {
		case <-time.After(step):
			cc.Emit(map[string]any{"progress": float64(i+1) / float64(ticks)})
		case <-aborted:
			return nil, fmt.Errorf("sleep: aborted")
		case <-cc.Context().Done():
			return nil, cc.Context().Err()
		}
	}
	return "done", nil
}

// createArray allocates n bytes as a binary region, emits it with the
// region in the transfer list, and returns whether the channel actually
// moved it rather than copying it.
func createArray(cc *workhive.CallContext, args []any) (any, error) {
	n, ok := args[0].(float64)
	if !ok {
		return nil, fmt.Errorf("createArray: expected a length argument")
	}
	region := workhive.Transfer("array", make([]byte, int(n)))
	isDetached := cc.EmitRegions(map[string]any{"name": region.Name, "size": n}, []workhive.Region{region})
	return isDetached, nil
}
