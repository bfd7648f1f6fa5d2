package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/workhive/workhive"
	"github.com/workhive/workhive/internal/config"
	"github.com/workhive/workhive/internal/metrics"
	"github.com/workhive/workhive/internal/pool"
)

var configFile string

func buildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:     "poolctl",
		Short:   "poolctl runs and drives a workhive worker pool",
		Version: "1.0.0",
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	root.AddCommand(buildRunCommand())
	root.AddCommand(buildExecCommand())
	root.AddCommand(buildStatsCommand())

	return root
}

// buildPool loads configFile and starts a pool against it, wiring a
// metrics.Collector in if enabled.
func buildPool() (*workhive.Pool, *config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}

	var sink pool.MetricsSink
	if cfg.Metrics.Enabled {
		sink = metrics.NewCollector()
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Printf("starting metrics server on %s", addr)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	poolCfg := cfg.PoolConfig()
	opts := workhive.Options{
		WorkerType:             poolCfg.WorkerType,
		MinWorkers:             poolCfg.MinWorkers,
		MaxWorkers:             poolCfg.MaxWorkers,
		MaxQueueSize:           poolCfg.MaxQueueSize,
		WorkerTerminateTimeout: poolCfg.WorkerTerminateTimeout,
		MaxTasksPerWorker:      poolCfg.MaxTasksPerWorker,
		IdleTimeout:            poolCfg.IdleTimeout,
		EmitStdStreams:         poolCfg.EmitStdStreams,
	}
	if sink != nil {
		opts.Metrics = sink
	}

	p, err := workhive.NewPool(cfg.Pool.Script, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pool: %w", err)
	}
	return p, cfg, nil
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a worker pool and keep it alive until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cfg, err := buildPool()
			if err != nil {
				return err
			}

			log.Printf("pool started against %s (min=%d max=%d)\n", cfg.Pool.Script, cfg.Pool.MinWorkers, cfg.Pool.MaxWorkers)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			log.Println("received shutdown signal, draining...")
			ctx, cancel := context.WithTimeout(context.Background(), cfg.PoolConfig().WorkerTerminateTimeout+5*time.Second)
			defer cancel()
			if err := p.Terminate(ctx, false, cfg.PoolConfig().WorkerTerminateTimeout); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			log.Println("pool stopped")
			return nil
		},
	}
}

func buildExecCommand() *cobra.Command {
	var jobFile string
	var method string

	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Submit one or more calls to a pool and print their results",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cfg, err := buildPool()
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = p.Terminate(ctx, false, cfg.PoolConfig().WorkerTerminateTimeout)
			}()

			var jobs []jobInput
			if jobFile != "" {
				jobs, err = loadJobs(jobFile)
				if err != nil {
					return err
				}
			} else {
				if method == "" {
					return fmt.Errorf("either --file or --method is required")
				}
				jobs = []jobInput{{Method: method, Args: nil}}
			}

			return runJobs(p, jobs)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file of {method,args,timeout_ms} calls")
	cmd.Flags().StringVarP(&method, "method", "m", "", "single method name to call with no arguments")
	return cmd
}

func runJobs(p *workhive.Pool, jobs []jobInput) error {
	type outcome struct {
		method string
		result any
		err    error
	}
	results := make(chan outcome, len(jobs))

	for _, j := range jobs {
		opts := workhive.ExecOpts{}
		if j.TimeoutMs > 0 {
			opts.Timeout = time.Duration(j.TimeoutMs) * time.Millisecond
		}
		handle, err := p.Exec(j.Method, j.Args, opts)
		if err != nil {
			results <- outcome{method: j.Method, err: err}
			continue
		}
		method := j.Method
		handle.Then(
			func(v any) { results <- outcome{method: method, result: v} },
			func(e error) { results <- outcome{method: method, err: e} },
		)
	}

	failed := 0
	for range jobs {
		o := <-results
		if o.err != nil {
			failed++
			fmt.Printf("%s: error: %v\n", o.method, o.err)
			continue
		}
		fmt.Printf("%s: %v\n", o.method, o.result)
	}
	if failed > 0 {
		return fmt.Errorf("%d/%d calls failed", failed, len(jobs))
	}
	return nil
}

func buildStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Spawn a pool against the configured script and print its worker/task snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cfg, err := buildPool()
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = p.Terminate(ctx, false, cfg.PoolConfig().WorkerTerminateTimeout)
			}()

			stats := p.Stats()
			fmt.Printf("workers: total=%d busy=%d idle=%d\n", stats.TotalWorkers, stats.BusyWorkers, stats.IdleWorkers)
			fmt.Printf("tasks:   pending=%d active=%d\n", stats.PendingTasks, stats.ActiveTasks)
			return nil
		},
	}
}
