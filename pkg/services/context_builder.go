package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/llm"
)

// ContextBuilder slices a thread's transcript into the message window one
// LLM step sees: the system prompt first (carrying the provider cache
// marker), then the newest history that fits the token budget. This is the
// only place the window is assembled; every step of every run goes through
// it.
type ContextBuilder struct {
	messages  *MessageService
	maxTokens int
}

// NewContextBuilder creates a builder with the given history token budget.
func NewContextBuilder(messages *MessageService, maxContextTokens int) *ContextBuilder {
	return &ContextBuilder{messages: messages, maxTokens: maxContextTokens}
}

// Build returns the prepared messages for one step.
func (b *ContextBuilder) Build(ctx context.Context, threadID, model, systemPrompt string) ([]agent.ConversationMessage, error) {
	rows, err := b.messages.ListLLMMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to build context for thread %s: %w", threadID, err)
	}

	counter := llm.NewTokenCounter(model)
	history := TruncateToBudget(counter, ConversationFromMessages(rows), b.maxTokens)

	out := make([]agent.ConversationMessage, 0, len(history)+1)
	out = append(out, agent.ConversationMessage{
		Role:        agent.RoleSystem,
		Content:     systemPrompt,
		CacheMarker: true,
	})
	return append(out, history...), nil
}

// ConversationFromMessages converts transcript rows into conversation
// messages, honoring the omitted/compressed metadata flags.
func ConversationFromMessages(rows []Message) []agent.ConversationMessage {
	out := make([]agent.ConversationMessage, 0, len(rows))
	for _, row := range rows {
		if msg, ok := conversationFromMessage(row); ok {
			out = append(out, msg)
		}
	}
	return out
}

func conversationFromMessage(m Message) (agent.ConversationMessage, bool) {
	if m.Metadata["omitted"] == true {
		return agent.ConversationMessage{}, false
	}

	doc := m.Content
	role := docString(doc, "role")
	if role == "" {
		role = roleForType(m.Type)
	}

	msg := agent.ConversationMessage{
		Role:    role,
		Content: contentText(doc, m.Metadata),
	}

	switch role {
	case agent.RoleAssistant:
		msg.ToolCalls = toolCallsFromDoc(doc)
	case agent.RoleTool:
		msg.ToolCallID = docString(m.Metadata, "tool_call_id")
		if msg.ToolCallID == "" {
			msg.ToolCallID = docString(doc, "tool_call_id")
		}
		msg.ToolName = docString(doc, "name")
	}
	return msg, true
}

// roleForType maps a row type to a conversation role. Rows of types this
// subsystem never writes (imported transcripts, auxiliary state) default
// to user so their content still reaches the model.
func roleForType(msgType string) string {
	switch msgType {
	case MessageTypeAssistant:
		return agent.RoleAssistant
	case MessageTypeTool:
		return agent.RoleTool
	default:
		return agent.RoleUser
	}
}

// contentText extracts the message body. A compressed row substitutes its
// compressed_content; structured bodies are re-serialized.
func contentText(doc, meta map[string]any) string {
	if meta["compressed"] == true {
		if cc, ok := meta["compressed_content"].(string); ok {
			return cc
		}
	}
	return stringOrJSON(doc["content"])
}

// toolCallsFromDoc parses assistant tool calls. Both the flat shape
// {id, name, arguments} and the provider shape {id, function: {name,
// arguments}} are accepted; arguments always normalize to a JSON string.
func toolCallsFromDoc(doc map[string]any) []agent.ToolCall {
	raw, ok := doc["tool_calls"].([]any)
	if !ok || len(raw) == 0 {
		return nil
	}

	calls := make([]agent.ToolCall, 0, len(raw))
	for _, el := range raw {
		entry, ok := el.(map[string]any)
		if !ok {
			continue
		}
		call := agent.ToolCall{ID: docString(entry, "id")}
		if fn, ok := entry["function"].(map[string]any); ok {
			call.Name = docString(fn, "name")
			call.Arguments = stringOrJSON(fn["arguments"])
		} else {
			call.Name = docString(entry, "name")
			call.Arguments = stringOrJSON(entry["arguments"])
		}
		if call.Name == "" {
			continue
		}
		calls = append(calls, call)
	}
	return calls
}

// MessageCounter is the per-message token costing the truncation needs.
// *llm.TokenCounter satisfies it.
type MessageCounter interface {
	CountMessage(agent.ConversationMessage) int
}

// TruncateToBudget drops the oldest messages until the window fits the
// token budget. Tool results whose assistant call was dropped are dropped
// too; the newest message always survives.
func TruncateToBudget(counter MessageCounter, msgs []agent.ConversationMessage, budget int) []agent.ConversationMessage {
	if budget <= 0 || len(msgs) == 0 {
		return msgs
	}

	costs := make([]int, len(msgs))
	total := 0
	for i, m := range msgs {
		costs[i] = counter.CountMessage(m)
		total += costs[i]
	}

	start := 0
	for start < len(msgs)-1 && total > budget {
		total -= costs[start]
		start++
		// A window must not open on an orphaned tool result.
		for start < len(msgs)-1 && msgs[start].Role == agent.RoleTool {
			total -= costs[start]
			start++
		}
	}
	return msgs[start:]
}

func docString(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

// stringOrJSON renders a document value as text: strings pass through,
// anything structured is serialized.
func stringOrJSON(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
