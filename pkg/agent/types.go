// Package agent holds the core domain types for a single agent run: the
// conversation shapes exchanged with the LLM, the tool registry consulted
// during execution, and the per-run mutable state owned by the coordinator.
package agent

import (
	"encoding/json"
	"fmt"
)

// Role values for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a single tool invocation requested by the LLM.
// Arguments is the raw JSON argument object as emitted by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a callable tool as advertised to the LLM.
// ParametersSchema is a JSON Schema document for the argument object.
type ToolDefinition struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	ParametersSchema string `json:"parameters_schema"`
}

// ToolResult is the normalized outcome of a tool invocation. Invocations
// never surface errors to the caller: failures are folded into Success=false
// with Error set, so a misbehaving tool cannot abort the run loop.
type ToolResult struct {
	CallID          string `json:"call_id"`
	Name            string `json:"name"`
	Success         bool   `json:"success"`
	Output          any    `json:"output,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMS int64  `json:"execution_time_ms,omitempty"`
}

// Content renders the result as the JSON payload stored on tool messages
// and fed back to the LLM on the next step.
func (r ToolResult) Content() string {
	body := map[string]any{"success": r.Success}
	if r.Output != nil {
		body["output"] = r.Output
	}
	if r.Error != "" {
		body["error"] = r.Error
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":"unserializable tool result: %s"}`, err)
	}
	return string(data)
}

// ConversationMessage is one entry in the LLM context window.
type ConversationMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`

	// CacheMarker asks the provider to anchor its prompt cache at this
	// message when the model supports it.
	CacheMarker bool `json:"cache_marker,omitempty"`
}

// TokenUsage captures token accounting for one LLM call.
type TokenUsage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	TotalTokens     int `json:"total_tokens"`
	CacheReadTokens int `json:"cache_read_tokens,omitempty"`
}

// Add accumulates usage from another call.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.CacheReadTokens += other.CacheReadTokens
}
