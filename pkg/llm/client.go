package llm

import (
	"context"

	"github.com/droverhq/drover/pkg/agent"
)

// GenerateInput is one streaming completion request.
type GenerateInput struct {
	Messages    []agent.ConversationMessage
	Model       string
	Temperature float32
	MaxTokens   int
	Tools       []agent.ToolDefinition
	// ToolChoice is the provider tool-choice hint: "auto", "none",
	// "required" or empty for the provider default.
	ToolChoice string
	// PromptCaching asks the provider to anchor its prompt cache at the
	// system message when supported.
	PromptCaching bool
}

// Client streams completions. The returned channel is closed when the
// stream ends; terminal failures arrive in-band as ErrorChunk values.
// Generate returns an error only when the request cannot be started at
// all.
type Client interface {
	Generate(ctx context.Context, in GenerateInput) (<-chan Chunk, error)
	Close() error
}
