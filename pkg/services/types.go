// Package services provides the data access layer: typed accessors over
// the relational store with per-entity caching, plus the canonical
// context-window builder runs use to prepare LLM input.
package services

import (
	"time"
)

// Run statuses stored on agent_runs and surfaced to clients.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusStopped   = "stopped"
)

// IsTerminalRunStatus reports whether a run status is final.
func IsTerminalRunStatus(status string) bool {
	switch status {
	case RunStatusCompleted, RunStatusFailed, RunStatusStopped:
		return true
	}
	return false
}

// Message types that participate in the LLM context window carry
// is_llm_message=true; transport-only rows (statuses) carry false.
const (
	MessageTypeUser      = "user"
	MessageTypeAssistant = "assistant"
	MessageTypeTool      = "tool"
	MessageTypeStatus    = "status"
)

// Project is the top-level container an account owns.
type Project struct {
	ID        string
	AccountID string
	Name      string
	IsPublic  bool
	Sandbox   map[string]any
	CreatedAt time.Time
}

// Thread is a conversation container inside a project.
type Thread struct {
	ID        string
	ProjectID string
	AccountID string
	Name      string
	Status    string
	IsPublic  bool
	HasImages bool
	Metadata  map[string]any
	CreatedAt time.Time
}

// Message is one transcript row.
type Message struct {
	ID        string
	ThreadID  string
	Type      string
	IsLLM     bool
	Content   map[string]any
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageRecord is the insert shape used by the write buffer: content and
// metadata are pre-serialized JSON documents.
type MessageRecord struct {
	MessageID string
	ThreadID  string
	Type      string
	IsLLM     bool
	Content   string
	Metadata  string
	CreatedAt time.Time
}

// AgentRun is one execution of a thread.
type AgentRun struct {
	ID             string
	ThreadID       string
	AccountID      string
	AgentID        string
	AgentVersionID string
	Status         string
	Error          string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
}

// AgentConfig is the resolved configuration a run executes with.
type AgentConfig struct {
	AgentID      string
	VersionID    string
	Name         string
	SystemPrompt string
	Model        string
	ToolNames    []string
	IsDefault    bool
}

// TierLimits are the per-tier resource caps enforced at creation time.
type TierLimits struct {
	MaxThreads      int
	MaxProjects     int
	MaxParallelRuns int
}

var tierLimits = map[string]TierLimits{
	"free": {MaxThreads: 30, MaxProjects: 3, MaxParallelRuns: 3},
	"pro":  {MaxThreads: 500, MaxProjects: 50, MaxParallelRuns: 10},
}

// LimitsForTier returns the caps for a tier, defaulting unknown tiers to
// the free tier.
func LimitsForTier(tier string) TierLimits {
	if limits, ok := tierLimits[tier]; ok {
		return limits
	}
	return tierLimits["free"]
}

// TierInfo is the cached billing tier view used for limit checks.
type TierInfo struct {
	AccountID string
	Tier      string
	Limits    TierLimits
}
