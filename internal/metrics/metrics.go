// Package metrics collects and exposes Prometheus metrics for a worker pool.
//
// Metric categories:
//
//   1. Task counters - cumulative, monotonically increasing:
//      - pool_tasks_submitted_total
//      - pool_tasks_dispatched_total
//      - pool_tasks_completed_total
//      - pool_tasks_failed_total
//      - pool_tasks_cancelled_total
//      - pool_transfer_degraded_total
//      - pool_worker_exits_total
//
//   2. Performance (histogram):
//      - pool_task_latency_seconds, default Prometheus buckets
//
//   3. Status (gauge):
//      - pool_queue_depth, pool_active_tasks, pool_workers_busy,
//        pool_workers_idle
//
// Exposed via /metrics on the port passed to StartServer, scraped by
// Prometheus.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements pool.MetricsSink against a set of Prometheus metrics.
// internal/pool depends only on the MetricsSink interface, so this package
// is wired in by cmd/poolctl rather than imported from the pool core.
type Collector struct {
	tasksSubmitted   prometheus.Counter
	tasksDispatched  prometheus.Counter
	tasksCompleted   prometheus.Counter
	tasksFailed      prometheus.Counter
	tasksCancelled   prometheus.Counter
	transferDegraded prometheus.Counter
	workerExits      prometheus.Counter

	taskLatency prometheus.Histogram

	queueDepth  prometheus.Gauge
	activeTasks prometheus.Gauge
	workersBusy prometheus.Gauge
	workersIdle prometheus.Gauge
}

// NewCollector builds and registers a Collector against the default
// Prometheus registry. A process should construct at most one.
func NewCollector() *Collector {
	c := &Collector{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_tasks_submitted_total",
			Help: "Total number of tasks submitted to the pool",
		}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to a worker",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_tasks_completed_total",
			Help: "Total number of tasks that settled successfully",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_tasks_failed_total",
			Help: "Total number of tasks that settled with an error response or because their worker terminated",
		}),
		tasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_tasks_cancelled_total",
			Help: "Total number of tasks cancelled or timed out",
		}),
		transferDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_transfer_degraded_total",
			Help: "Total number of transfers that fell back to a copy because the channel can't move regions",
		}),
		workerExits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_worker_exits_total",
			Help: "Total number of worker isolates that exited, cleanly or forced",
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_task_latency_seconds",
			Help:    "Task dispatch-to-settle latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_queue_depth",
			Help: "Current number of tasks waiting for a worker",
		}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_active_tasks",
			Help: "Current number of tasks dispatched to a worker and not yet settled",
		}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_workers_busy",
			Help: "Current number of workers with at least one pending task",
		}),
		workersIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_workers_idle",
			Help: "Current number of workers with no pending tasks",
		}),
	}

	prometheus.MustRegister(
		c.tasksSubmitted, c.tasksDispatched, c.tasksCompleted, c.tasksFailed,
		c.tasksCancelled, c.transferDegraded, c.workerExits,
		c.taskLatency,
		c.queueDepth, c.activeTasks, c.workersBusy, c.workersIdle,
	)

	return c
}

func (c *Collector) RecordSubmit()   { c.tasksSubmitted.Inc() }
func (c *Collector) RecordDispatch() { c.tasksDispatched.Inc() }

func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.tasksCompleted.Inc()
	c.taskLatency.Observe(latencySeconds)
}

func (c *Collector) RecordFailed()           { c.tasksFailed.Inc() }
func (c *Collector) RecordCancelled()        { c.tasksCancelled.Inc() }
func (c *Collector) RecordTransferDegraded() { c.transferDegraded.Inc() }
func (c *Collector) RecordWorkerExit()       { c.workerExits.Inc() }

// UpdateGauges refreshes the instantaneous status metrics in one call,
// matching how internal/pool snapshots its own stats under one lock.
func (c *Collector) UpdateGauges(pendingTasks, activeTasks, busyWorkers, idleWorkers int) {
	c.queueDepth.Set(float64(pendingTasks))
	c.activeTasks.Set(float64(activeTasks))
	c.workersBusy.Set(float64(busyWorkers))
	c.workersIdle.Set(float64(idleWorkers))
}

// StartServer starts the Prometheus HTTP endpoint on port, blocking until it
// exits with an error.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), nil)
}
