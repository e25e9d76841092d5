package e2e

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/services"
)

// RunStore is an in-memory stand-in for the agent_runs table. It serves
// every consumer of run status at once: the driver's status writes, the
// sweeper's queries, ownership takeover checks, and the API's reads.
type RunStore struct {
	mu   sync.Mutex
	runs map[string]*services.AgentRun
}

// NewRunStore returns an empty store.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]*services.AgentRun)}
}

// Seed inserts a run, normally in status "pending" before its job is
// enqueued.
func (s *RunStore) Seed(run *services.AgentRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	s.runs[run.ID] = run
}

// GetRun returns a copy of the run or services.ErrNotFound.
func (s *RunStore) GetRun(_ context.Context, runID string) (*services.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, services.ErrNotFound)
	}
	copied := *run
	return &copied, nil
}

// UpdateStatus writes the run's status and error column.
func (s *RunStore) UpdateStatus(_ context.Context, runID, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, services.ErrNotFound)
	}
	run.Status = status
	run.Error = errMsg
	if status == "running" && run.StartedAt == nil {
		now := time.Now().UTC()
		run.StartedAt = &now
	}
	if status == "completed" || status == "failed" || status == "stopped" {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}
	return nil
}

// FailIfRunning transitions running to failed, refusing runs that already
// reached a terminal status.
func (s *RunStore) FailIfRunning(_ context.Context, runID, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.Status != "running" {
		return false, nil
	}
	run.Status = "failed"
	run.Error = errMsg
	now := time.Now().UTC()
	run.CompletedAt = &now
	return true, nil
}

// ListRunningOlderThan returns runs still marked running whose start
// predates the threshold.
func (s *RunStore) ListRunningOlderThan(_ context.Context, threshold time.Duration) ([]services.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-threshold)
	var out []services.AgentRun
	for _, run := range s.runs {
		if run.Status == "running" && run.StartedAt != nil && run.StartedAt.Before(cutoff) {
			out = append(out, *run)
		}
	}
	return out, nil
}

// RunStatus reports the current status for ownership takeover decisions.
func (s *RunStore) RunStatus(_ context.Context, runID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return "", fmt.Errorf("run %s: %w", runID, services.ErrNotFound)
	}
	return run.Status, nil
}

// Status is a test-side accessor.
func (s *RunStore) Status(runID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[runID]; ok {
		return run.Status
	}
	return ""
}

// Error returns the run's error column.
func (s *RunStore) Error(runID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[runID]; ok {
		return run.Error
	}
	return ""
}

// TranscriptStore collects the message rows the buffer flushes.
type TranscriptStore struct {
	mu   sync.Mutex
	rows []services.MessageRecord
}

// NewTranscriptStore returns an empty store.
func NewTranscriptStore() *TranscriptStore {
	return &TranscriptStore{}
}

// InsertBatch appends flushed rows.
func (s *TranscriptStore) InsertBatch(_ context.Context, records []services.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, records...)
	return nil
}

// Rows returns every flushed row for a thread, in flush order.
func (s *TranscriptStore) Rows(threadID string) []services.MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []services.MessageRecord
	for _, r := range s.rows {
		if r.ThreadID == threadID {
			out = append(out, r)
		}
	}
	return out
}

// ContextStub replaces the database-backed context builder: each thread
// gets a fixed user message under the agent's system prompt.
type ContextStub struct {
	mu    sync.Mutex
	turns map[string]string
}

// NewContextStub returns an empty stub.
func NewContextStub() *ContextStub {
	return &ContextStub{turns: make(map[string]string)}
}

// SeedUserMessage sets the user turn returned for a thread.
func (c *ContextStub) SeedUserMessage(threadID, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns[threadID] = content
}

// Build implements the context source contract.
func (c *ContextStub) Build(_ context.Context, threadID, _, systemPrompt string) ([]agent.ConversationMessage, error) {
	c.mu.Lock()
	content, ok := c.turns[threadID]
	c.mu.Unlock()
	if !ok {
		content = "hello"
	}
	return []agent.ConversationMessage{
		{Role: "system", Content: systemPrompt, CacheMarker: true},
		{Role: "user", Content: content},
	}, nil
}
