// Package llm streams completions from OpenAI-compatible providers. It
// resolves model aliases to concrete provider targets, normalizes the
// provider's stream into typed chunks, and counts tokens for cost
// estimation before a call is made.
package llm

import "time"

// ChunkType identifies the kind of streamed chunk.
type ChunkType string

const (
	ChunkTypeText       ChunkType = "text"
	ChunkTypeToolCall   ChunkType = "tool_call"
	ChunkTypeFinish     ChunkType = "finish"
	ChunkTypeUsage      ChunkType = "usage"
	ChunkTypeFirstToken ChunkType = "first_token"
	ChunkTypeError      ChunkType = "error"
)

// Chunk is a single piece of streamed LLM output. Provider errors arrive
// in-band as ErrorChunk values; the stream channel is closed afterwards.
type Chunk interface {
	chunkType() ChunkType
}

// TextChunk carries a fragment of assistant text.
type TextChunk struct {
	Content string
}

// ToolCallChunk carries one incremental tool-call fragment. The provider
// streams id and name once and the JSON arguments in pieces; Index ties
// fragments of the same call together when multiple calls run in parallel.
type ToolCallChunk struct {
	Index          int
	CallID         string
	Name           string
	ArgumentsDelta string
}

// FinishChunk reports the provider's finish reason for the turn.
type FinishChunk struct {
	Reason string
}

// UsageChunk reports token usage when the provider includes it.
type UsageChunk struct {
	InputTokens     int
	OutputTokens    int
	TotalTokens     int
	CacheReadTokens int
}

// FirstTokenChunk marks time-to-first-token for latency tracking.
type FirstTokenChunk struct {
	Elapsed time.Duration
}

// ErrorChunk carries a terminal provider error in-band.
type ErrorChunk struct {
	Message   string
	Code      string
	Retryable bool
}

func (TextChunk) chunkType() ChunkType       { return ChunkTypeText }
func (ToolCallChunk) chunkType() ChunkType   { return ChunkTypeToolCall }
func (FinishChunk) chunkType() ChunkType     { return ChunkTypeFinish }
func (UsageChunk) chunkType() ChunkType      { return ChunkTypeUsage }
func (FirstTokenChunk) chunkType() ChunkType { return ChunkTypeFirstToken }
func (ErrorChunk) chunkType() ChunkType      { return ChunkTypeError }
