package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/droverhq/drover/pkg/agent"
)

// Per-message framing overhead plus the assistant reply priming, per the
// OpenAI token accounting format.
const (
	tokensPerMessage = 3
	tokensReplyPrime = 3
)

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.Mutex
)

// TokenCounter estimates token usage for cost reservation before a call.
// When no encoding is available for the model (or loading fails, e.g. in
// offline environments) it degrades to a bytes/4 estimate rather than
// blocking the run.
type TokenCounter struct {
	enc   *tiktoken.Tiktoken
	model string
}

// NewTokenCounter builds a counter for the model. Never fails; a missing
// encoding just selects the estimator path.
func NewTokenCounter(model string) *TokenCounter {
	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return &TokenCounter{enc: enc, model: model}
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	encodingCache[model] = enc
	return &TokenCounter{enc: enc, model: model}
}

// Count returns the token count for a piece of text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.enc == nil {
		return len(text) / 4
	}
	return len(tc.enc.Encode(text, nil, nil))
}

// CountMessage returns the token cost of one message including its framing
// overhead and any tool calls, without the reply prime.
func (tc *TokenCounter) CountMessage(m agent.ConversationMessage) int {
	total := tokensPerMessage
	total += tc.Count(m.Role)
	total += tc.Count(m.Content)
	for _, call := range m.ToolCalls {
		total += tc.Count(call.Name)
		total += tc.Count(call.Arguments)
	}
	return total
}

// CountMessages returns the token count for a full context window,
// including per-message framing, tool-call arguments and the reply prime.
func (tc *TokenCounter) CountMessages(msgs []agent.ConversationMessage) int {
	total := 0
	for _, m := range msgs {
		total += tc.CountMessage(m)
	}
	return total + tokensReplyPrime
}

// Model returns the model the counter was built for.
func (tc *TokenCounter) Model() string { return tc.model }
