// Package sinks fires the follow-up work a finished run owes: memory
// extraction, notifications, project categorization. Everything here is
// best-effort and must never fail the run, so the default implementation
// enqueues broker jobs for separate consumers instead of doing the work
// in-process.
package sinks

import (
	"context"
	"log/slog"
	"time"

	"github.com/droverhq/drover/pkg/kvstream"
)

// Job type values written to the sink stream.
const (
	JobExtractMemories   = "extract_memories"
	JobNotifyCompleted   = "notify_run_completed"
	JobNotifyFailed      = "notify_run_failed"
	JobCategorizeProject = "categorize_project"
)

// The sink stream is best-effort, so it is trimmed rather than allowed to
// grow without bound when no consumer is draining it.
const sinkStreamMaxLen = 100_000

// RunSummary identifies a finished run to downstream consumers.
type RunSummary struct {
	RunID     string
	ThreadID  string
	ProjectID string
	AccountID string
	AgentID   string
	Status    string
	Error     string
}

// Sinks is the post-run fan-out surface. Implementations must be safe to
// call from driver goroutines and must swallow their own failures.
type Sinks interface {
	ExtractMemories(ctx context.Context, run RunSummary)
	NotifyRunCompleted(ctx context.Context, run RunSummary)
	NotifyRunFailed(ctx context.Context, run RunSummary)
	CategorizeProject(ctx context.Context, projectID, accountID string)
}

// Broker enqueues sink jobs on the shared background stream.
type Broker struct {
	kv     *kvstream.Client
	logger *slog.Logger
}

var _ Sinks = (*Broker)(nil)

// NewBroker wires the default broker-backed sinks.
func NewBroker(kv *kvstream.Client, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{kv: kv, logger: logger.With("component", "sinks")}
}

// ExtractMemories enqueues long-term memory extraction for the thread.
func (b *Broker) ExtractMemories(ctx context.Context, run RunSummary) {
	b.enqueue(ctx, JobExtractMemories, run)
}

// NotifyRunCompleted enqueues the completion notification.
func (b *Broker) NotifyRunCompleted(ctx context.Context, run RunSummary) {
	b.enqueue(ctx, JobNotifyCompleted, run)
}

// NotifyRunFailed enqueues the failure notification.
func (b *Broker) NotifyRunFailed(ctx context.Context, run RunSummary) {
	b.enqueue(ctx, JobNotifyFailed, run)
}

// CategorizeProject enqueues a re-categorization of the project.
func (b *Broker) CategorizeProject(ctx context.Context, projectID, accountID string) {
	b.enqueue(ctx, JobCategorizeProject, RunSummary{ProjectID: projectID, AccountID: accountID})
}

func (b *Broker) enqueue(ctx context.Context, jobType string, run RunSummary) {
	fields := map[string]any{
		"type":        jobType,
		"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if run.RunID != "" {
		fields["run_id"] = run.RunID
	}
	if run.ThreadID != "" {
		fields["thread_id"] = run.ThreadID
	}
	if run.ProjectID != "" {
		fields["project_id"] = run.ProjectID
	}
	if run.AccountID != "" {
		fields["account_id"] = run.AccountID
	}
	if run.AgentID != "" {
		fields["agent_id"] = run.AgentID
	}
	if run.Status != "" {
		fields["status"] = run.Status
	}
	if run.Error != "" {
		fields["error"] = run.Error
	}

	if _, err := b.kv.StreamAppend(ctx, kvstream.SinkStream, fields, sinkStreamMaxLen); err != nil {
		b.logger.Warn("Failed to enqueue sink job", "type", jobType, "run_id", run.RunID, "error", err)
	}
}

// NoOp discards every sink call. Used in tests and when background
// processing is disabled.
type NoOp struct{}

var _ Sinks = NoOp{}

func (NoOp) ExtractMemories(context.Context, RunSummary)      {}
func (NoOp) NotifyRunCompleted(context.Context, RunSummary)   {}
func (NoOp) NotifyRunFailed(context.Context, RunSummary)      {}
func (NoOp) CategorizeProject(context.Context, string, string) {}
