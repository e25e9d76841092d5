package api

import (
	"time"

	"github.com/droverhq/drover/pkg/queue"
	"github.com/droverhq/drover/pkg/services"
)

// ErrorResponse is the error envelope for non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthCheck is one named component check inside HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version"`
	Checks     map[string]HealthCheck `json:"checks"`
	WorkerPool *queue.PoolHealth      `json:"worker_pool,omitempty"`
}

// RunResponse is returned by GET /api/v1/runs/:id.
type RunResponse struct {
	RunID       string     `json:"run_id"`
	ThreadID    string     `json:"thread_id"`
	AccountID   string     `json:"account_id"`
	AgentID     string     `json:"agent_id,omitempty"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func runResponse(run *services.AgentRun) *RunResponse {
	return &RunResponse{
		RunID:       run.ID,
		ThreadID:    run.ThreadID,
		AccountID:   run.AccountID,
		AgentID:     run.AgentID,
		Status:      run.Status,
		Error:       run.Error,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		CreatedAt:   run.CreatedAt,
	}
}

// StopResponse is returned by POST /api/v1/runs/:id/stop.
type StopResponse struct {
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

// WebhookResponse is returned by POST /api/v1/billing/webhooks.
type WebhookResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}
