package services

import (
	"context"
	"log/slog"
	"strings"
)

type kbSource interface {
	KBContext(ctx context.Context, agentID string) (string, error)
}

type memorySource interface {
	UserContext(ctx context.Context, accountID string) (string, error)
}

// PromptComposer assembles the system prompt a run executes with: the
// agent's base prompt, its knowledge-base section, then what the platform
// remembers about the account. Context lookups degrade to the base prompt;
// a missing section never blocks a run.
type PromptComposer struct {
	agents   kbSource
	memories memorySource
}

// NewPromptComposer builds a composer over the agent and memory services.
func NewPromptComposer(agents *AgentService, memories *MemoryService) *PromptComposer {
	return &PromptComposer{agents: agents, memories: memories}
}

// Compose returns the full system prompt, sections separated by blank lines.
func (c *PromptComposer) Compose(ctx context.Context, base, agentID, accountID string) string {
	sections := make([]string, 0, 3)
	if base = strings.TrimSpace(base); base != "" {
		sections = append(sections, base)
	}

	if kb, err := c.agents.KBContext(ctx, agentID); err != nil {
		slog.Warn("Knowledge base context unavailable, composing without it",
			"agent_id", agentID, "error", err)
	} else if kb != "" {
		sections = append(sections, strings.TrimSpace(kb))
	}

	if mem, err := c.memories.UserContext(ctx, accountID); err != nil {
		slog.Warn("User memory context unavailable, composing without it",
			"account_id", accountID, "error", err)
	} else if mem != "" {
		sections = append(sections, strings.TrimSpace(mem))
	}

	return strings.Join(sections, "\n\n")
}
