// Package queue moves run jobs from the broker stream to the drivers that
// execute them: a worker pool polls the consumer group, claims each run's
// ownership lock, and drives the run to a terminal status before the
// delivery is acknowledged.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobs indicates the broker read returned nothing.
	ErrNoJobs = errors.New("no jobs available")

	// ErrAtCapacity indicates this instance is already driving its
	// maximum number of concurrent runs.
	ErrAtCapacity = errors.New("at capacity")
)

// Job is one run execution request. The enqueuer snapshots everything the
// driver needs so a job is executable by any instance without extra reads.
type Job struct {
	RunID          string `json:"run_id"`
	ThreadID       string `json:"thread_id"`
	ProjectID      string `json:"project_id,omitempty"`
	AccountID      string `json:"account_id"`
	AgentID        string `json:"agent_id,omitempty"`
	AgentVersionID string `json:"agent_version_id,omitempty"`

	// Model is resolved through the provider catalog; empty falls back to
	// the configured default.
	Model string `json:"model,omitempty"`

	// InstanceID is the instance that accepted the request, for tracing.
	// The executing instance is whoever wins the ownership claim.
	InstanceID string `json:"instance_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`

	// StreamMaxLen overrides the default stream trim length for this run.
	StreamMaxLen int64 `json:"stream_max_len,omitempty"`
}

// Validate checks the fields no driver can work without.
func (j Job) Validate() error {
	if j.RunID == "" {
		return errors.New("job missing run_id")
	}
	if j.ThreadID == "" {
		return errors.New("job missing thread_id")
	}
	if j.AccountID == "" {
		return errors.New("job missing account_id")
	}
	return nil
}

func (j Job) encode() (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", j.RunID, err)
	}
	return string(data), nil
}

func decodeJob(payload string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(payload), &j); err != nil {
		return Job{}, fmt.Errorf("decode job payload: %w", err)
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Result is the driver's verdict on one delivery.
type Result struct {
	RunID string

	// Status is the terminal status written, empty when skipped.
	Status string

	// Skipped is true when another instance already owned the run. The
	// delivery is acknowledged without emitting anything.
	Skipped bool

	// Abandoned is true when ownership moved to another instance mid-run.
	// Terminal handling belongs to the new owner.
	Abandoned bool

	Steps         int
	AutoContinues int
}

// PoolHealth is the pool's health snapshot served by the API.
type PoolHealth struct {
	IsHealthy      bool           `json:"is_healthy"`
	RedisReachable bool           `json:"redis_reachable"`
	InstanceID     string         `json:"instance_id"`
	ShuttingDown   bool           `json:"shutting_down"`
	ActiveWorkers  int            `json:"active_workers"`
	TotalWorkers   int            `json:"total_workers"`
	ActiveRuns     int            `json:"active_runs"`
	MaxConcurrent  int            `json:"max_concurrent"`
	QueueDepth     int64          `json:"queue_depth"`
	WorkerStats    []WorkerHealth `json:"worker_stats"`
	LastSweep      time.Time      `json:"last_sweep"`
	StaleRunsSwept int            `json:"stale_runs_swept"`
}

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentRunID  string    `json:"current_run_id,omitempty"`
	RunsProcessed int       `json:"runs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}
