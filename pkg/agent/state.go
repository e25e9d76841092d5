package agent

import (
	"strings"

	"github.com/google/uuid"
)

// Termination reasons recorded by Terminate.
const (
	TerminationToolRequested = "tool_requested"
	TerminationStopSignal    = "stop_signal"
	TerminationError         = "error"
)

// RunState is the mutable state of one executing run. It is owned by a
// single goroutine (the run coordinator) for the lifetime of the run, so
// no internal locking is performed.
type RunState struct {
	RunID    string
	ThreadID string

	step          int
	autoContinues int

	content      strings.Builder
	pendingTools []ToolCall
	toolResults  []ToolResult

	lastAssistantMessageID string
	creditReservationID    string

	completed         bool
	terminated        bool
	terminationReason string

	maxSteps int
}

// NewRunState creates the state for a run that has not taken any steps yet.
func NewRunState(runID, threadID string, maxSteps int) *RunState {
	return &RunState{
		RunID:    runID,
		ThreadID: threadID,
		maxSteps: maxSteps,
	}
}

// NextStep advances the step counter and returns the new step number.
// Steps are numbered from 1.
func (s *RunState) NextStep() int {
	s.step++
	return s.step
}

// Step returns the current step number, 0 before the first NextStep.
func (s *RunState) Step() int { return s.step }

// AppendContent accumulates streamed assistant text for the current turn.
func (s *RunState) AppendContent(delta string) {
	s.content.WriteString(delta)
}

// AccumulatedContent returns the assistant text gathered so far this turn.
func (s *RunState) AccumulatedContent() string { return s.content.String() }

// QueueToolCall records a tool call requested by the LLM for execution
// after the assistant message is finalized.
func (s *RunState) QueueToolCall(tc ToolCall) {
	s.pendingTools = append(s.pendingTools, tc)
}

// TakePendingTools returns the queued tool calls and clears the queue.
func (s *RunState) TakePendingTools() []ToolCall {
	tools := s.pendingTools
	s.pendingTools = nil
	return tools
}

// FinalizeAssistantMessage mints a fresh message ID for the assistant
// message of the current turn and resets the pending-tools queue owner.
// The returned ID links subsequent tool results back to this message.
func (s *RunState) FinalizeAssistantMessage() string {
	s.lastAssistantMessageID = uuid.NewString()
	return s.lastAssistantMessageID
}

// LastAssistantMessageID returns the ID minted by the most recent
// FinalizeAssistantMessage, or "" before the first turn completes.
func (s *RunState) LastAssistantMessageID() string { return s.lastAssistantMessageID }

// RecordToolResult stores a completed tool result and clears the text
// accumulated for the finished turn.
func (s *RunState) RecordToolResult(r ToolResult) {
	s.toolResults = append(s.toolResults, r)
	s.content.Reset()
}

// ResetTurn clears accumulated text without recording a result, used when
// a turn ends with no tool calls before an auto-continue.
func (s *RunState) ResetTurn() {
	s.content.Reset()
}

// ToolResults returns all tool results recorded so far, oldest first.
func (s *RunState) ToolResults() []ToolResult { return s.toolResults }

// RecordReservation remembers the credit reservation backing this run so
// it can be settled or released at the end.
func (s *RunState) RecordReservation(id string) {
	s.creditReservationID = id
}

// CreditReservationID returns the recorded reservation, "" if none.
func (s *RunState) CreditReservationID() string { return s.creditReservationID }

// IncrementAutoContinues bumps the auto-continue counter and returns the
// new total.
func (s *RunState) IncrementAutoContinues() int {
	s.autoContinues++
	return s.autoContinues
}

// AutoContinues returns how many times the run auto-continued.
func (s *RunState) AutoContinues() int { return s.autoContinues }

// Complete marks the run as finished normally.
func (s *RunState) Complete() { s.completed = true }

// Completed reports whether Complete was called.
func (s *RunState) Completed() bool { return s.completed }

// Terminate marks the run as terminated with a reason. The first reason
// wins; later calls are ignored.
func (s *RunState) Terminate(reason string) {
	if s.terminated {
		return
	}
	s.terminated = true
	s.terminationReason = reason
}

// Terminated reports whether the run was terminated and why.
func (s *RunState) Terminated() (bool, string) {
	return s.terminated, s.terminationReason
}

// ShouldContinue reports whether the loop may take another step.
func (s *RunState) ShouldContinue() bool {
	return !s.completed && !s.terminated && s.step < s.maxSteps
}
