package pool

import (
	"github.com/workhive/workhive/internal/protocol"
	"github.com/workhive/workhive/internal/werrors"
)

func poolTerminatedErr() error            { return werrors.New(werrors.PoolTerminated, "pool is terminated") }
func queueFullErr() error                 { return werrors.New(werrors.QueueFull, "queue is at capacity") }
func cancellationErr() error              { return werrors.New(werrors.Cancellation, "task was cancelled") }
func timeoutErr() error                   { return werrors.New(werrors.Timeout, "task exceeded its timeout") }
func workerTerminatedErr(msg string) error { return werrors.New(werrors.WorkerTerminated, msg) }
func protocolErr(msg string) error        { return werrors.New(werrors.Protocol, msg) }

func fromFrame(f *protocol.ErrorFrame) error { return werrors.FromFrame(f) }
