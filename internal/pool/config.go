package pool

import (
	"context"
	"runtime"
	"time"

	"github.com/workhive/workhive/internal/protocol"
	"github.com/workhive/workhive/internal/task"
	"github.com/workhive/workhive/internal/wchannel"
)

// WorkerInfo is passed to the OnCreateWorker/OnTerminateWorker hooks and to
// a ChannelFactory: the sole mechanism for per-worker spawn customization
// (spec.md §6, "Environment / dynamic options").
type WorkerInfo struct {
	WorkerID   uint64
	ForkArgs   []string
	ForkOpts   map[string]string
	WorkerOpts map[string]any
}

// SpawnOverrides is what OnCreateWorker may return to customize one spawn.
type SpawnOverrides struct {
	ForkArgs   []string
	ForkOpts   map[string]string
	WorkerOpts map[string]any
}

// ChannelFactory launches one worker isolate and returns the Channel the
// pool will use to talk to it. Transport bootstrap (how a script string
// becomes a running process, thread, or network peer) is deliberately kept
// outside the dispatch core; callers of NewPool supply this.
type ChannelFactory func(ctx context.Context, info WorkerInfo) (wchannel.Channel, error)

// MinWorkersMax is the sentinel value for Config.MinWorkers meaning
// "pre-spawn up to MaxWorkers" (spec.md §4.5's `max` sentinel).
const MinWorkersMax = -1

// Config holds the pool's construction parameters (spec.md §4.5).
type Config struct {
	Script string

	// MinWorkers is an integer >= 0, or MinWorkersMax.
	MinWorkers int
	MaxWorkers int

	// MaxQueueSize of 0 means unbounded.
	MaxQueueSize int

	WorkerType             string
	WorkerTerminateTimeout time.Duration
	MaxTasksPerWorker      int

	// IdleTimeout, if > 0, reaps a worker above MinWorkers once it has been
	// idle (no pending tasks) for this long and the queue is empty. The
	// default (0) never reaps, per spec.md §9's open-question resolution.
	IdleTimeout time.Duration

	EmitStdStreams bool

	OnCreateWorker    func(WorkerInfo) (SpawnOverrides, error)
	OnTerminateWorker func(WorkerInfo)

	// Metrics is optional; a no-op sink is used when nil.
	Metrics MetricsSink
}

func (c *Config) withDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = runtime.NumCPU() - 1
		if c.MaxWorkers < 1 {
			c.MaxWorkers = 1
		}
	}
	if c.WorkerTerminateTimeout <= 0 {
		c.WorkerTerminateTimeout = time.Second
	}
	if c.MaxTasksPerWorker <= 0 {
		c.MaxTasksPerWorker = 1
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
}

func (c *Config) effectiveMinWorkers() int {
	if c.MinWorkers == MinWorkersMax {
		return c.MaxWorkers
	}
	if c.MinWorkers < 0 {
		return 0
	}
	return c.MinWorkers
}

// ExecOpts are the per-call options recognized by Exec (spec.md §4.5).
type ExecOpts struct {
	On      task.EventFunc
	Regions []protocol.Region
	Timeout time.Duration
}

// Stats is a point-in-time snapshot (spec.md §4.5's `pool.stats()`).
type Stats struct {
	TotalWorkers int
	BusyWorkers  int
	IdleWorkers  int
	PendingTasks int
	ActiveTasks  int
}

// MetricsSink decouples the pool core from any concrete metrics backend.
// internal/metrics.Collector implements this interface.
type MetricsSink interface {
	RecordSubmit()
	RecordDispatch()
	RecordCompleted(latencySeconds float64)
	RecordFailed()
	RecordCancelled()
	RecordTransferDegraded()
	RecordWorkerExit()
	UpdateGauges(pendingTasks, activeTasks, busyWorkers, idleWorkers int)
}

type nopMetrics struct{}

func (nopMetrics) RecordSubmit()                                             {}
func (nopMetrics) RecordDispatch()                                           {}
func (nopMetrics) RecordCompleted(float64)                                   {}
func (nopMetrics) RecordFailed()                                             {}
func (nopMetrics) RecordCancelled()                                          {}
func (nopMetrics) RecordTransferDegraded()                                   {}
func (nopMetrics) RecordWorkerExit()                                        {}
func (nopMetrics) UpdateGauges(pendingTasks, activeTasks, busy, idle int)    {}
