package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/agent"
)

func newTestSealer() *Sealer {
	s := NewSealer("thread-1", NewSequencer())
	s.now = func() time.Time {
		return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	}
	return s
}

func mustContent(t *testing.T, env Envelope) map[string]any {
	t.Helper()
	doc, err := env.ContentDoc()
	require.NoError(t, err)
	return doc
}

func mustMetadata(t *testing.T, env Envelope) map[string]any {
	t.Helper()
	doc, err := env.MetadataDoc()
	require.NoError(t, err)
	return doc
}

func TestSealer_SequenceAndTurnStamping(t *testing.T) {
	s := newTestSealer()
	turn1 := s.BeginTurn()

	first, err := s.Seal(ResponseStart{})
	require.NoError(t, err)
	second, err := s.Seal(ContentDelta{Text: "hi"})
	require.NoError(t, err)

	assert.Equal(t, int64(0), first.Sequence, "sequence starts at 0")
	assert.Equal(t, int64(1), second.Sequence)
	assert.Equal(t, turn1, first.ThreadRunID)
	assert.Equal(t, turn1, second.ThreadRunID)
	assert.Equal(t, "thread-1", first.ThreadID)
	assert.Equal(t, "2026-03-14T09:26:53Z", first.CreatedAt)
	assert.Equal(t, first.CreatedAt, first.UpdatedAt)

	turn2 := s.BeginTurn()
	assert.NotEqual(t, turn1, turn2, "each turn gets a fresh thread_run_id")
	third, err := s.Seal(ResponseStart{})
	require.NoError(t, err)
	assert.Equal(t, turn2, third.ThreadRunID)
	assert.Equal(t, int64(2), third.Sequence, "sequence keeps increasing across turns")
}

func TestSealer_ContentDelta(t *testing.T) {
	s := newTestSealer()
	s.BeginTurn()

	env, err := s.Seal(ContentDelta{Text: "partial"})
	require.NoError(t, err)

	assert.Equal(t, TypeContent, env.Type)
	assert.True(t, env.IsDelta())
	content := mustContent(t, env)
	assert.Equal(t, "assistant", content["role"])
	assert.Equal(t, "partial", content["content"])
	assert.Equal(t, "chunk", mustMetadata(t, env)["stream_status"])
}

func TestSealer_ToolCallDelta(t *testing.T) {
	s := newTestSealer()
	s.BeginTurn()

	env, err := s.Seal(ToolCallDelta{Index: 0, CallID: "call-1", Name: "calc", ArgumentsDelta: `{"expr":`})
	require.NoError(t, err)

	assert.Equal(t, TypeToolCall, env.Type)
	assert.True(t, env.IsDelta())
	content := mustContent(t, env)
	assert.Equal(t, "call-1", content["tool_call_id"])
	assert.Equal(t, "calc", content["function_name"])
	assert.Equal(t, `{"expr":`, content["arguments_delta"])
}

func TestSealer_AssistantComplete(t *testing.T) {
	s := newTestSealer()
	s.BeginTurn()

	env, err := s.Seal(AssistantComplete{
		MessageID: "msg-1",
		Content:   "Let me check.",
		ToolCalls: []agent.ToolCall{{ID: "call-1", Name: "calc", Arguments: `{"expr":"2+2"}`}},
	})
	require.NoError(t, err)

	assert.Equal(t, TypeAssistant, env.Type)
	assert.Equal(t, "msg-1", env.MessageID)
	assert.False(t, env.IsDelta())
	content := mustContent(t, env)
	assert.Equal(t, "Let me check.", content["content"])
	require.Len(t, content["tool_calls"], 1)
	assert.Equal(t, "complete", mustMetadata(t, env)["stream_status"])
}

func TestSealer_ToolResultLinksAssistantMessage(t *testing.T) {
	s := newTestSealer()
	s.BeginTurn()

	env, err := s.Seal(ToolResult{
		MessageID:          "tool-msg-1",
		AssistantMessageID: "msg-1",
		Result: agent.ToolResult{
			CallID: "call-1", Name: "calc", Success: true, Output: "4", ExecutionTimeMS: 12,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, TypeTool, env.Type)
	assert.Equal(t, "tool-msg-1", env.MessageID)
	content := mustContent(t, env)
	assert.Equal(t, "tool", content["role"])
	assert.Equal(t, "call-1", content["tool_call_id"])
	meta := mustMetadata(t, env)
	assert.Equal(t, "msg-1", meta["assistant_message_id"])
	assert.Equal(t, "call-1", meta["tool_call_id"])
	assert.Equal(t, float64(12), meta["execution_time_ms"])
}

func TestSealer_ToolCompletedVariants(t *testing.T) {
	s := newTestSealer()
	s.BeginTurn()
	call := agent.ToolCall{ID: "call-1", Name: "complete"}

	tests := []struct {
		name           string
		ev             ToolCompleted
		wantStatusType string
		wantTerminate  bool
	}{
		{"success", ToolCompleted{Call: call, Success: true}, "tool_completed", false},
		{"failure", ToolCompleted{Call: call, Success: false}, "tool_failed", false},
		{"terminator", ToolCompleted{Call: call, Success: true, Terminating: true}, "terminating_tool_completed", true},
		{"failed terminator stays a failure", ToolCompleted{Call: call, Success: false, Terminating: true}, "tool_failed", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := s.Seal(tt.ev)
			require.NoError(t, err)
			assert.Equal(t, TypeStatus, env.Type)
			assert.Equal(t, tt.wantStatusType, mustContent(t, env)["status_type"])

			meta := mustMetadata(t, env)
			if tt.wantTerminate {
				assert.Equal(t, true, meta["agent_should_terminate"])
				assert.Equal(t, FinishReasonTerminated, meta["finish_reason"])
			} else {
				assert.NotContains(t, meta, "agent_should_terminate")
			}
		})
	}
}

func TestSealer_FinishAndStatusAndError(t *testing.T) {
	s := newTestSealer()
	s.BeginTurn()

	env, err := s.Seal(Finish{Reason: "tool_calls", ToolsExecuted: 2})
	require.NoError(t, err)
	content := mustContent(t, env)
	assert.Equal(t, "finish", content["status_type"])
	assert.Equal(t, "tool_calls", content["finish_reason"])
	assert.Equal(t, float64(2), content["tools_executed"])

	env, err = s.Seal(RunStatus{StatusType: StatusStopped, Message: "Run stopped by request", Extra: map[string]any{"source": "control"}})
	require.NoError(t, err)
	content = mustContent(t, env)
	assert.Equal(t, "stopped", content["status_type"])
	assert.Equal(t, "Run stopped by request", content["message"])
	assert.Equal(t, "control", content["source"])

	env, err = s.Seal(Error{Message: "provider unavailable", Code: "PIPELINE_ERROR"})
	require.NoError(t, err)
	assert.Equal(t, TypeError, env.Type)
	content = mustContent(t, env)
	assert.Equal(t, "error", content["status"])
	assert.Equal(t, "PIPELINE_ERROR", content["error_code"])
}

func TestSealer_ResponseEndUsage(t *testing.T) {
	s := newTestSealer()
	s.BeginTurn()

	env, err := s.Seal(ResponseEnd{Usage: &agent.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}})
	require.NoError(t, err)
	meta := mustMetadata(t, env)
	usage, ok := meta["usage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(15), usage["total_tokens"])
}

func TestEnvelope_RoundTrip(t *testing.T) {
	s := newTestSealer()
	s.BeginTurn()
	env, err := s.Seal(ContentDelta{Text: "hello"})
	require.NoError(t, err)

	data, err := env.JSON()
	require.NoError(t, err)
	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)

	_, err = DecodeEnvelope([]byte("{broken"))
	require.Error(t, err)
}

func TestTerminalControlSignal(t *testing.T) {
	assert.Equal(t, ControlEndStream, TerminalControlSignal("completed"))
	assert.Equal(t, ControlStop, TerminalControlSignal("stopped"))
	assert.Equal(t, ControlError, TerminalControlSignal("failed"))
	assert.Equal(t, ControlError, TerminalControlSignal("anything else"))
}
