package main

import (
	"encoding/json"
	"fmt"
	"os"
)

func main() {
	if err := buildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// jobInput is the shape of one entry in the JSON file the exec command
// reads, matching the "array of {method, args}" convention callers already
// use against a workhive pool.
type jobInput struct {
	Method    string `json:"method"`
	Args      []any  `json:"args"`
	TimeoutMs int64  `json:"timeout_ms"`
}

func loadJobs(path string) ([]jobInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var jobs []jobInput
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	return jobs, nil
}
