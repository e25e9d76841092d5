package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/droverhq/drover/pkg/cache"
	"github.com/droverhq/drover/pkg/database"
)

// defaultSystemPrompt is the static built-in agent template. Loaded into
// the binary once; runs that name no agent (or name a deleted one) fall
// back to it.
const defaultSystemPrompt = `You are Drover, a capable AI assistant working inside a shared workspace.

You solve the user's task step by step. When you need to act, call one of
the available tools; when you need input from the user, call the "ask" tool;
when the task is done, call the "complete" tool with a short summary.
Prefer acting over asking. Keep responses concise and concrete.`

var defaultAgent = AgentConfig{
	Name:         "Drover",
	SystemPrompt: defaultSystemPrompt,
	IsDefault:    true,
}

// DefaultAgent returns a copy of the built-in agent template.
func DefaultAgent() AgentConfig {
	return defaultAgent
}

// AgentService resolves agent configurations and their knowledge-base
// context for runs.
type AgentService struct {
	db      *database.Client
	configs *cache.Cache[*AgentConfig]
	tools   *cache.Cache[[]string]
	types   *cache.Cache[string]
	kb      *cache.Cache[string]
}

// NewAgentService creates a new AgentService.
func NewAgentService(db *database.Client, inv *cache.Invalidator) *AgentService {
	s := &AgentService{
		db:      db,
		configs: cache.New[*AgentConfig](cache.TTLAgentConfig),
		tools:   cache.New[[]string](cache.TTLAgentTools),
		types:   cache.New[string](cache.TTLAgentType),
		kb:      cache.New[string](cache.TTLKBContext),
	}
	inv.Register(s.configs)
	inv.Register(s.tools)
	inv.Register(s.types)
	inv.Register(s.kb)
	return s
}

// GetConfig loads one agent's configuration, cached per (agent, version).
func (s *AgentService) GetConfig(ctx context.Context, agentID, versionID string) (*AgentConfig, error) {
	if agentID == "" {
		return nil, NewValidationError("agent_id", "required")
	}

	key := cache.AgentConfigKey(agentID, versionID)
	if cfg, ok := s.configs.Get(key); ok {
		return cfg, nil
	}

	table, err := database.NewTable(s.db.Replica(), "agents")
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	err = database.WithRetry(ctx, func(ctx context.Context) error {
		var err error
		rows, err = table.Select(ctx, nil, map[string]any{"agent_id": agentID}, "", false, 1)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get agent %s: %w", agentID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}

	cfg := agentConfigFromRow(rows[0])
	s.configs.Set(key, cfg)
	return cfg, nil
}

// ResolveForRun returns the configuration a run executes with: the named
// agent, or the built-in default when none is named or the agent is gone.
func (s *AgentService) ResolveForRun(ctx context.Context, agentID, versionID string) (*AgentConfig, error) {
	if agentID == "" {
		cfg := DefaultAgent()
		return &cfg, nil
	}

	cfg, err := s.GetConfig(ctx, agentID, versionID)
	if errors.Is(err, ErrNotFound) {
		slog.Warn("Agent not found, falling back to default template", "agent_id", agentID)
		fallback := DefaultAgent()
		return &fallback, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Tools returns the agent's tool restriction list (empty means all
// registered tools), cached independently of the full config.
func (s *AgentService) Tools(ctx context.Context, agentID string) ([]string, error) {
	key := cache.AgentToolsKey(agentID)
	if names, ok := s.tools.Get(key); ok {
		return names, nil
	}

	cfg, err := s.GetConfig(ctx, agentID, "")
	if err != nil {
		return nil, err
	}
	s.tools.Set(key, cfg.ToolNames)
	return cfg.ToolNames, nil
}

// IsDefaultAgent reports whether the agent is an account's default.
func (s *AgentService) IsDefaultAgent(ctx context.Context, agentID string) (bool, error) {
	key := cache.AgentTypeKey(agentID)
	if kind, ok := s.types.Get(key); ok {
		return kind == "default", nil
	}

	cfg, err := s.GetConfig(ctx, agentID, "")
	if err != nil {
		return false, err
	}
	kind := "custom"
	if cfg.IsDefault {
		kind = "default"
	}
	s.types.Set(key, kind)
	return cfg.IsDefault, nil
}

// KBContext returns the agent's enabled knowledge-base entries rendered as
// a prompt section, or "" when the agent has none.
func (s *AgentService) KBContext(ctx context.Context, agentID string) (string, error) {
	if agentID == "" {
		return "", nil
	}

	key := cache.KBContextKey(agentID)
	if text, ok := s.kb.Get(key); ok {
		return text, nil
	}

	var entries []KBPair
	err := database.WithRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.Replica().Query(ctx,
			`SELECT e.name, e.content
			 FROM knowledge_base_entries e
			 JOIN agent_knowledge_entry_assignments a ON a.entry_id = e.entry_id
			 WHERE a.agent_id = $1 AND a.enabled AND e.is_active
			 ORDER BY e.created_at`,
			agentID)
		if err != nil {
			return err
		}
		defer rows.Close()

		entries = entries[:0]
		for rows.Next() {
			var e KBPair
			if err := rows.Scan(&e.Name, &e.Content); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return "", fmt.Errorf("failed to load KB context for agent %s: %w", agentID, err)
	}

	text := RenderKBContext(entries)
	s.kb.Set(key, text)
	return text, nil
}

// KBPair is one named knowledge-base entry.
type KBPair struct {
	Name    string
	Content string
}

// RenderKBContext formats entries as a markdown prompt section.
func RenderKBContext(entries []KBPair) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Knowledge Base\n")
	for _, e := range entries {
		b.WriteString("\n### ")
		b.WriteString(e.Name)
		b.WriteString("\n")
		b.WriteString(e.Content)
		b.WriteString("\n")
	}
	return b.String()
}
