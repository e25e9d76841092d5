// Package controller drives one run: the Processor turns a provider chunk
// stream into the semantic event sequence, and the Coordinator owns the
// per-step state machine around it — context preparation, credit
// reservation, auto-continue decisions, and terminal outcomes.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/llm"
)

// emitFunc forwards one typed event to the run's sink.
type emitFunc func(ctx context.Context, ev events.Event) error

// TurnResult is what one LLM turn produced, for the coordinator's
// continuation decision.
type TurnResult struct {
	// FinishReason is the provider's reason, "" when the stream closed
	// without one.
	FinishReason  string
	ToolsExecuted int
	// Terminated is set when a terminator tool succeeded this turn.
	Terminated bool
	// Cancelled is set when a stop signal interrupted the turn.
	Cancelled bool
	Usage     *agent.TokenUsage
	// Err carries an in-band provider failure; the turn executed no
	// tools and its partial text was discarded.
	Err  *llm.ErrorChunk
	TTFT time.Duration
}

// toolCallBuilder accumulates one tool call's fragments by stream index.
type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

// Processor assembles the semantic event sequence for LLM turns:
// llm_response_start, streamed deltas, the finalized assistant message,
// tool execution events, finish, llm_response_end.
type Processor struct {
	state         *agent.RunState
	toolset       *agent.Toolset
	terminators   *agent.TerminatorSet
	toolTimeout   time.Duration
	stopRequested func() bool
	emit          emitFunc
	logger        *slog.Logger
}

// NewProcessor wires a processor for one run. stopRequested distinguishes
// a user stop from an infrastructure cancellation; nil means never.
func NewProcessor(state *agent.RunState, toolset *agent.Toolset, terminators *agent.TerminatorSet, toolTimeout time.Duration, stopRequested func() bool, emit emitFunc, logger *slog.Logger) *Processor {
	if stopRequested == nil {
		stopRequested = func() bool { return false }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		state:         state,
		toolset:       toolset,
		terminators:   terminators,
		toolTimeout:   toolTimeout,
		stopRequested: stopRequested,
		emit:          emit,
		logger:        logger,
	}
}

// send forwards one event, switching to a cancellation-proof context once
// the turn has been interrupted so wind-down events still reach the
// stream. Delta suppression after an interrupt is handled by the caller.
func (p *Processor) send(ctx context.Context, ev events.Event) error {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	return p.emit(ctx, ev)
}

// ProcessTurn consumes one chunk stream to completion and emits the turn's
// events. The returned error reports sink failures only; provider failures
// travel inside the result.
func (p *Processor) ProcessTurn(ctx context.Context, chunks <-chan llm.Chunk) (TurnResult, error) {
	var res TurnResult
	if err := p.send(ctx, events.ResponseStart{}); err != nil {
		return res, err
	}

	builders := make(map[int]*toolCallBuilder)
	var indexes []int
	draining := false

	for chunk := range chunks {
		if !draining && ctx.Err() != nil {
			// Keep consuming so the provider connection closes cleanly,
			// but stop forwarding deltas.
			draining = true
		}
		switch c := chunk.(type) {
		case llm.TextChunk:
			if draining {
				continue
			}
			p.state.AppendContent(c.Content)
			if err := p.send(ctx, events.ContentDelta{Text: c.Content}); err != nil {
				return res, err
			}
		case llm.ToolCallChunk:
			if draining {
				continue
			}
			b, ok := builders[c.Index]
			if !ok {
				b = &toolCallBuilder{}
				builders[c.Index] = b
				indexes = append(indexes, c.Index)
			}
			if c.CallID != "" {
				b.id = c.CallID
			}
			if c.Name != "" {
				b.name = c.Name
			}
			b.args.WriteString(c.ArgumentsDelta)
			err := p.send(ctx, events.ToolCallDelta{
				Index:          c.Index,
				CallID:         c.CallID,
				Name:           c.Name,
				ArgumentsDelta: c.ArgumentsDelta,
			})
			if err != nil {
				return res, err
			}
		case llm.FinishChunk:
			res.FinishReason = c.Reason
		case llm.UsageChunk:
			res.Usage = &agent.TokenUsage{
				InputTokens:     c.InputTokens,
				OutputTokens:    c.OutputTokens,
				TotalTokens:     c.TotalTokens,
				CacheReadTokens: c.CacheReadTokens,
			}
		case llm.FirstTokenChunk:
			res.TTFT = c.Elapsed
			p.logger.Debug("First token received", "elapsed", c.Elapsed)
		case llm.ErrorChunk:
			res.Err = &c
		}
	}

	interrupted := ctx.Err() != nil
	if interrupted && p.stopRequested() {
		res.Cancelled = true
	} else if interrupted && res.Err == nil {
		// Deadline or shutdown, not a user stop: surface it as a provider
		// failure so the coordinator's retry/fail logic applies.
		res.Err = &llm.ErrorChunk{
			Message:   fmt.Sprintf("generation interrupted: %v", ctx.Err()),
			Code:      "interrupted",
			Retryable: true,
		}
	}

	if res.Err != nil {
		// Discard partial text so a retried step starts clean; deltas
		// already streamed carry this turn's thread_run_id and a retry
		// opens a fresh one.
		p.state.ResetTurn()
		return res, p.send(ctx, events.ResponseEnd{Usage: res.Usage})
	}

	for _, call := range p.assembleCalls(builders, indexes) {
		p.state.QueueToolCall(call)
	}
	content := p.state.AccumulatedContent()
	pending := p.state.TakePendingTools()

	if res.Cancelled && content == "" && len(pending) == 0 {
		return res, p.send(ctx, events.ResponseEnd{Usage: res.Usage})
	}

	messageID := p.state.FinalizeAssistantMessage()
	err := p.send(ctx, events.AssistantComplete{
		MessageID: messageID,
		Content:   content,
		ToolCalls: pending,
	})
	if err != nil {
		return res, err
	}

	if res.Cancelled {
		// Partial assistant message persisted above; tools never start
		// after a stop.
		p.state.ResetTurn()
		return res, p.send(ctx, events.ResponseEnd{Usage: res.Usage})
	}

	for _, call := range pending {
		if err := p.runTool(ctx, call, messageID, &res); err != nil {
			return res, err
		}
		if res.Terminated {
			// Remaining calls are not executed once a terminator fired.
			break
		}
		if ctx.Err() != nil || p.stopRequested() {
			res.Cancelled = p.stopRequested()
			break
		}
	}
	p.state.ResetTurn()

	reason := res.FinishReason
	if res.Terminated {
		reason = events.FinishReasonTerminated
	}
	if reason == "" {
		reason = "stop"
	}
	if err := p.send(ctx, events.Finish{Reason: reason, ToolsExecuted: res.ToolsExecuted}); err != nil {
		return res, err
	}
	return res, p.send(ctx, events.ResponseEnd{Usage: res.Usage})
}

// runTool executes one call and emits its started/result/completed events.
func (p *Processor) runTool(ctx context.Context, call agent.ToolCall, assistantMessageID string, res *TurnResult) error {
	if err := p.send(ctx, events.ToolStarted{Call: call}); err != nil {
		return err
	}

	// Tools are not interruptible: a stop signal lets the in-flight
	// invocation finish within its own timeout.
	toolCtx := context.WithoutCancel(ctx)
	if p.toolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(toolCtx, p.toolTimeout)
		defer cancel()
	}
	result := p.toolset.Invoke(toolCtx, call)

	p.state.RecordToolResult(result)
	res.ToolsExecuted++

	err := p.send(ctx, events.ToolResult{
		AssistantMessageID: assistantMessageID,
		Result:             result,
	})
	if err != nil {
		return err
	}

	terminating := result.Success && p.terminators.IsTerminator(call.Name)
	if terminating {
		p.state.Terminate(agent.TerminationToolRequested)
		res.Terminated = true
	}
	return p.send(ctx, events.ToolCompleted{Call: call, Success: result.Success, Terminating: terminating})
}

// assembleCalls merges per-index fragments into executable calls, ordered
// by stream index. Fragments that never received a name are dropped.
func (p *Processor) assembleCalls(builders map[int]*toolCallBuilder, indexes []int) []agent.ToolCall {
	sort.Ints(indexes)
	calls := make([]agent.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		b := builders[idx]
		if b.name == "" {
			p.logger.Warn("Dropping nameless tool call fragment", "index", idx)
			continue
		}
		id := b.id
		if id == "" {
			id = fmt.Sprintf("call_%d", idx)
		}
		args := b.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		calls = append(calls, agent.ToolCall{ID: id, Name: b.name, Arguments: args})
	}
	return calls
}
