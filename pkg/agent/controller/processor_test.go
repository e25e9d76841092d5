package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/llm"
)

// recorder captures typed events in emission order.
type recorder struct {
	evs []events.Event
}

func (r *recorder) emit(_ context.Context, ev events.Event) error {
	r.evs = append(r.evs, ev)
	return nil
}

// kinds reduces an event sequence to type names for order assertions.
func kinds(evs []events.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = strings.TrimPrefix(fmt.Sprintf("%T", ev), "events.")
	}
	return out
}

func feed(chunks ...llm.Chunk) <-chan llm.Chunk {
	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func testToolset(t *testing.T) *agent.Toolset {
	t.Helper()
	r := agent.NewRegistry()
	require.NoError(t, r.Register(agent.ToolDefinition{Name: "echo"}, func(_ context.Context, raw json.RawMessage) (any, error) {
		var args map[string]any
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		return args, nil
	}))
	require.NoError(t, r.Register(agent.ToolDefinition{Name: "fail"}, func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("backend unavailable")
	}))
	require.NoError(t, r.Register(agent.ToolDefinition{Name: "complete"}, func(context.Context, json.RawMessage) (any, error) {
		return map[string]any{"done": true}, nil
	}))
	return r.GetAvailableFunctions()
}

func newTestProcessor(t *testing.T, state *agent.RunState, rec *recorder, stopRequested func() bool) *Processor {
	t.Helper()
	return NewProcessor(state, testToolset(t), agent.NewTerminatorSet(nil), 0, stopRequested, rec.emit, nil)
}

func TestProcessTurn_TextOnly(t *testing.T) {
	state := agent.NewRunState("run-1", "thread-1", 10)
	rec := &recorder{}
	p := newTestProcessor(t, state, rec, nil)

	res, err := p.ProcessTurn(context.Background(), feed(
		llm.TextChunk{Content: "Hel"},
		llm.TextChunk{Content: "lo"},
		llm.FinishChunk{Reason: "stop"},
		llm.UsageChunk{InputTokens: 12, OutputTokens: 2, TotalTokens: 14},
	))
	require.NoError(t, err)

	assert.Equal(t, "stop", res.FinishReason)
	assert.Zero(t, res.ToolsExecuted)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 14, res.Usage.TotalTokens)

	require.Equal(t, []string{
		"ResponseStart", "ContentDelta", "ContentDelta",
		"AssistantComplete", "Finish", "ResponseEnd",
	}, kinds(rec.evs))

	complete := rec.evs[3].(events.AssistantComplete)
	assert.Equal(t, "Hello", complete.Content)
	assert.Empty(t, complete.ToolCalls)
	assert.Equal(t, state.LastAssistantMessageID(), complete.MessageID)

	finish := rec.evs[4].(events.Finish)
	assert.Equal(t, "stop", finish.Reason)
	assert.Zero(t, finish.ToolsExecuted)
}

func TestProcessTurn_ToolCallAssembly(t *testing.T) {
	state := agent.NewRunState("run-1", "thread-1", 10)
	rec := &recorder{}
	p := newTestProcessor(t, state, rec, nil)

	// Arguments fragmented across chunks, two calls interleaved by index.
	res, err := p.ProcessTurn(context.Background(), feed(
		llm.ToolCallChunk{Index: 0, CallID: "call_a", Name: "echo"},
		llm.ToolCallChunk{Index: 1, CallID: "call_b", Name: "echo", ArgumentsDelta: `{"k":`},
		llm.ToolCallChunk{Index: 0, ArgumentsDelta: `{"n":`},
		llm.ToolCallChunk{Index: 0, ArgumentsDelta: `1}`},
		llm.ToolCallChunk{Index: 1, ArgumentsDelta: `"v"}`},
		llm.FinishChunk{Reason: "tool_calls"},
		llm.UsageChunk{InputTokens: 40, OutputTokens: 20, TotalTokens: 60},
	))
	require.NoError(t, err)

	assert.Equal(t, "tool_calls", res.FinishReason)
	assert.Equal(t, 2, res.ToolsExecuted)
	assert.False(t, res.Terminated)

	require.Equal(t, []string{
		"ResponseStart",
		"ToolCallDelta", "ToolCallDelta", "ToolCallDelta", "ToolCallDelta", "ToolCallDelta",
		"AssistantComplete",
		"ToolStarted", "ToolResult", "ToolCompleted",
		"ToolStarted", "ToolResult", "ToolCompleted",
		"Finish", "ResponseEnd",
	}, kinds(rec.evs))

	complete := rec.evs[6].(events.AssistantComplete)
	require.Len(t, complete.ToolCalls, 2)
	assert.Equal(t, agent.ToolCall{ID: "call_a", Name: "echo", Arguments: `{"n":1}`}, complete.ToolCalls[0])
	assert.Equal(t, agent.ToolCall{ID: "call_b", Name: "echo", Arguments: `{"k":"v"}`}, complete.ToolCalls[1])

	// Tool results reference the assistant message that requested them.
	toolRes := rec.evs[8].(events.ToolResult)
	assert.Equal(t, complete.MessageID, toolRes.AssistantMessageID)
	assert.Equal(t, "call_a", toolRes.Result.CallID)
	assert.True(t, toolRes.Result.Success)

	results := state.ToolResults()
	require.Len(t, results, 2)
	assert.Equal(t, "call_a", results[0].CallID)
	assert.Equal(t, "call_b", results[1].CallID)
}

func TestProcessTurn_FragmentDefaults(t *testing.T) {
	state := agent.NewRunState("run-1", "thread-1", 10)
	rec := &recorder{}
	p := newTestProcessor(t, state, rec, nil)

	// Index 2 never receives a name and is dropped; index 5 has no id and
	// no arguments.
	res, err := p.ProcessTurn(context.Background(), feed(
		llm.ToolCallChunk{Index: 2, ArgumentsDelta: `{"orphan":true}`},
		llm.ToolCallChunk{Index: 5, Name: "echo"},
		llm.FinishChunk{Reason: "tool_calls"},
	))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ToolsExecuted)

	var complete events.AssistantComplete
	for _, ev := range rec.evs {
		if c, ok := ev.(events.AssistantComplete); ok {
			complete = c
		}
	}
	require.Len(t, complete.ToolCalls, 1)
	assert.Equal(t, "call_5", complete.ToolCalls[0].ID)
	assert.Equal(t, "{}", complete.ToolCalls[0].Arguments)
}

func TestProcessTurn_TerminatorShortCircuits(t *testing.T) {
	state := agent.NewRunState("run-1", "thread-1", 10)
	rec := &recorder{}
	p := newTestProcessor(t, state, rec, nil)

	// complete is a default terminator; echo queued after it must not run.
	res, err := p.ProcessTurn(context.Background(), feed(
		llm.ToolCallChunk{Index: 0, CallID: "c1", Name: "complete", ArgumentsDelta: `{}`},
		llm.ToolCallChunk{Index: 1, CallID: "c2", Name: "echo", ArgumentsDelta: `{}`},
		llm.FinishChunk{Reason: "tool_calls"},
	))
	require.NoError(t, err)

	assert.True(t, res.Terminated)
	assert.Equal(t, 1, res.ToolsExecuted)

	terminated, reason := state.Terminated()
	assert.True(t, terminated)
	assert.Equal(t, agent.TerminationToolRequested, reason)

	require.Equal(t, []string{
		"ResponseStart", "ToolCallDelta", "ToolCallDelta",
		"AssistantComplete",
		"ToolStarted", "ToolResult", "ToolCompleted",
		"Finish", "ResponseEnd",
	}, kinds(rec.evs))

	completed := rec.evs[6].(events.ToolCompleted)
	assert.True(t, completed.Terminating)
	assert.Equal(t, events.FinishReasonTerminated, rec.evs[7].(events.Finish).Reason)
}

func TestProcessTurn_FailedTerminatorDoesNotTerminate(t *testing.T) {
	state := agent.NewRunState("run-1", "thread-1", 10)
	rec := &recorder{}
	r := agent.NewRegistry()
	require.NoError(t, r.Register(agent.ToolDefinition{Name: "complete"}, func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("not allowed")
	}))
	p := NewProcessor(state, r.GetAvailableFunctions(), agent.NewTerminatorSet(nil), 0, nil, rec.emit, nil)

	res, err := p.ProcessTurn(context.Background(), feed(
		llm.ToolCallChunk{Index: 0, CallID: "c1", Name: "complete", ArgumentsDelta: `{}`},
		llm.FinishChunk{Reason: "tool_calls"},
	))
	require.NoError(t, err)

	assert.False(t, res.Terminated)
	terminated, _ := state.Terminated()
	assert.False(t, terminated)

	var completed events.ToolCompleted
	for _, ev := range rec.evs {
		if c, ok := ev.(events.ToolCompleted); ok {
			completed = c
		}
	}
	assert.False(t, completed.Success)
	assert.False(t, completed.Terminating)
	assert.Equal(t, "tool_calls", rec.evs[len(rec.evs)-2].(events.Finish).Reason)
}

func TestProcessTurn_ProviderErrorDiscardsPartial(t *testing.T) {
	state := agent.NewRunState("run-1", "thread-1", 10)
	rec := &recorder{}
	p := newTestProcessor(t, state, rec, nil)

	res, err := p.ProcessTurn(context.Background(), feed(
		llm.TextChunk{Content: "partial answer"},
		llm.ErrorChunk{Message: "rate limited", Code: "429", Retryable: true},
	))
	require.NoError(t, err)

	require.NotNil(t, res.Err)
	assert.Equal(t, "rate limited", res.Err.Message)
	assert.Empty(t, state.AccumulatedContent(), "partial text is discarded so a retry starts clean")

	// No assistant message and no finish for a failed turn.
	require.Equal(t, []string{"ResponseStart", "ContentDelta", "ResponseEnd"}, kinds(rec.evs))
}

func TestProcessTurn_StopKeepsPartialText(t *testing.T) {
	state := agent.NewRunState("run-1", "thread-1", 10)
	rec := &recorder{}
	p := newTestProcessor(t, state, rec, func() bool { return true })

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		ch <- llm.TextChunk{Content: "partial "}
		ch <- llm.TextChunk{Content: "thought"}
		cancel()
		// Chunks after the stop are drained, not forwarded.
		ch <- llm.TextChunk{Content: " ignored"}
	}()

	res, err := p.ProcessTurn(ctx, ch)
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	assert.Nil(t, res.Err)

	var complete events.AssistantComplete
	var found bool
	for _, ev := range rec.evs {
		if c, ok := ev.(events.AssistantComplete); ok {
			complete, found = c, true
		}
	}
	require.True(t, found, "partial text must be finalized as an assistant message")
	assert.Contains(t, complete.Content, "partial ")
	assert.NotContains(t, complete.Content, "ignored")

	// Interrupted turns carry no finish event.
	last := rec.evs[len(rec.evs)-1]
	assert.IsType(t, events.ResponseEnd{}, last)
	for _, ev := range rec.evs {
		assert.NotEqual(t, "Finish", strings.TrimPrefix(fmt.Sprintf("%T", ev), "events."))
	}
}

func TestProcessTurn_StopSkipsPendingTools(t *testing.T) {
	state := agent.NewRunState("run-1", "thread-1", 10)
	rec := &recorder{}
	p := newTestProcessor(t, state, rec, func() bool { return true })

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		ch <- llm.ToolCallChunk{Index: 0, CallID: "c1", Name: "echo", ArgumentsDelta: `{}`}
		// The finish chunk is a sync point: once it is received, the tool
		// call chunk was fully processed before the cancel below.
		ch <- llm.FinishChunk{Reason: "tool_calls"}
		cancel()
	}()

	res, err := p.ProcessTurn(ctx, ch)
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	assert.Zero(t, res.ToolsExecuted, "tools never start after a stop")
	assert.Empty(t, state.ToolResults())

	// The assistant message still records the requested calls.
	var complete events.AssistantComplete
	var found bool
	for _, ev := range rec.evs {
		if c, ok := ev.(events.AssistantComplete); ok {
			complete, found = c, true
		}
	}
	require.True(t, found)
	require.Len(t, complete.ToolCalls, 1)
}

func TestProcessTurn_InterruptWithoutStopIsProviderError(t *testing.T) {
	state := agent.NewRunState("run-1", "thread-1", 10)
	rec := &recorder{}
	p := newTestProcessor(t, state, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		ch <- llm.TextChunk{Content: "partial"}
		cancel()
	}()

	res, err := p.ProcessTurn(ctx, ch)
	require.NoError(t, err)

	assert.False(t, res.Cancelled)
	require.NotNil(t, res.Err, "a timeout without a stop signal is a provider failure")
	assert.True(t, res.Err.Retryable)
	assert.Empty(t, state.AccumulatedContent())
}

func TestProcessTurn_EmptyStream(t *testing.T) {
	state := agent.NewRunState("run-1", "thread-1", 10)
	rec := &recorder{}
	p := newTestProcessor(t, state, rec, nil)

	res, err := p.ProcessTurn(context.Background(), feed())
	require.NoError(t, err)

	// An empty stream still closes properly with an empty assistant turn.
	assert.Equal(t, "", res.FinishReason)
	require.Equal(t, []string{"ResponseStart", "AssistantComplete", "Finish", "ResponseEnd"}, kinds(rec.evs))
	assert.Equal(t, "stop", rec.evs[2].(events.Finish).Reason)
}
