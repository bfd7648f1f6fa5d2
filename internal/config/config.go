// Package config loads the YAML configuration file consumed by cmd/poolctl:
// pool construction parameters plus the optional metrics HTTP server,
// mirroring the teacher's internal/cli.Config nested-struct-plus-yaml-tags
// style.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/workhive/workhive/internal/pool"
)

// Config is the top-level shape of a poolctl config file.
type Config struct {
	Pool struct {
		Script                   string `yaml:"script"`
		WorkerType               string `yaml:"worker_type"`
		MinWorkers               int    `yaml:"min_workers"`
		MaxWorkers               int    `yaml:"max_workers"`
		MaxQueueSize             int    `yaml:"max_queue_size"`
		WorkerTerminateTimeoutMs int    `yaml:"worker_terminate_timeout_ms"`
		MaxTasksPerWorker        int    `yaml:"max_tasks_per_worker"`
		IdleTimeoutMs            int    `yaml:"idle_timeout_ms"`
		EmitStdStreams           bool   `yaml:"emit_std_streams"`
	} `yaml:"pool"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// PoolConfig translates the YAML shape (millisecond ints, since that's what
// fits a config file cleanly) into pool.Config (time.Duration).
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		Script:                 c.Pool.Script,
		WorkerType:             c.Pool.WorkerType,
		MinWorkers:             c.Pool.MinWorkers,
		MaxWorkers:             c.Pool.MaxWorkers,
		MaxQueueSize:           c.Pool.MaxQueueSize,
		WorkerTerminateTimeout: time.Duration(c.Pool.WorkerTerminateTimeoutMs) * time.Millisecond,
		MaxTasksPerWorker:      c.Pool.MaxTasksPerWorker,
		IdleTimeout:            time.Duration(c.Pool.IdleTimeoutMs) * time.Millisecond,
		EmitStdStreams:         c.Pool.EmitStdStreams,
	}
}
