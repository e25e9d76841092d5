// Package events defines the typed event variants emitted while a run
// executes, the JSON envelope they are sealed into at the transport edge,
// and the publisher that fans sealed events out to Redis with backpressure.
package events

import (
	"github.com/droverhq/drover/pkg/agent"
)

// Type is the envelope discriminator visible to consumers.
type Type string

const (
	TypeStatus           Type = "status"
	TypeAssistant        Type = "assistant"
	TypeTool             Type = "tool"
	TypeLLMResponseStart Type = "llm_response_start"
	TypeLLMResponseEnd   Type = "llm_response_end"
	TypeError            Type = "error"

	// Transport-internal streaming types. Delivered to live subscribers
	// only, never persisted as transcript rows.
	TypeContent  Type = "content"
	TypeToolCall Type = "tool_call"
)

// StatusType discriminates status events.
type StatusType string

const (
	StatusToolStarted              StatusType = "tool_started"
	StatusToolCompleted            StatusType = "tool_completed"
	StatusToolFailed               StatusType = "tool_failed"
	StatusTerminatingToolCompleted StatusType = "terminating_tool_completed"
	StatusFinish                   StatusType = "finish"

	// Lifecycle states surfaced to clients.
	StatusThinking  StatusType = "thinking"
	StatusCompleted StatusType = "completed"
	StatusFailed    StatusType = "failed"
	StatusStopped   StatusType = "stopped"
)

// Control signals published on a run's control channels. Exactly one of
// the three terminal signals is published when a run ends.
const (
	ControlStop      = "STOP"
	ControlEndStream = "END_STREAM"
	ControlError     = "ERROR"
)

// FinishReasonTerminated is the finish reason attached when a terminator
// tool ends the run.
const FinishReasonTerminated = "agent_terminated"

// Error codes attached to error events, part of the wire contract.
const (
	CodeShutdown             = "SHUTDOWN"
	CodeAlreadyClaimed       = "ALREADY_CLAIMED"
	CodeInsufficientCredits  = "INSUFFICIENT_CREDITS"
	CodePipelineError        = "PIPELINE_ERROR"
	CodeThreadLimitExceeded  = "THREAD_LIMIT_EXCEEDED"
	CodeProjectLimitExceeded = "PROJECT_LIMIT_EXCEEDED"
)

// Event is one semantic event produced while a run executes. Concrete
// variants are sealed into an Envelope at the transport edge; everything
// upstream of that works with the typed forms.
type Event interface {
	eventType() Type
}

// ResponseStart opens one LLM turn.
type ResponseStart struct{}

// ContentDelta carries one streamed fragment of assistant text.
type ContentDelta struct {
	Text string
}

// ToolCallDelta carries the newly appended suffix of a tool call as the
// model streams it, keyed by the provider's tool-call index.
type ToolCallDelta struct {
	Index          int
	CallID         string
	Name           string
	ArgumentsDelta string
}

// AssistantComplete is the finalized assistant message for the turn.
type AssistantComplete struct {
	MessageID string
	Content   string
	ToolCalls []agent.ToolCall
}

// ToolStarted announces a tool invocation about to run.
type ToolStarted struct {
	Call agent.ToolCall
}

// ToolResult carries a finished tool invocation's normalized result,
// linked back to the assistant message that requested it.
type ToolResult struct {
	MessageID          string
	AssistantMessageID string
	Result             agent.ToolResult
}

// ToolCompleted closes a tool invocation. Terminating marks a successful
// terminator tool, which ends the run after this event.
type ToolCompleted struct {
	Call        agent.ToolCall
	Success     bool
	Terminating bool
}

// Finish closes the semantic portion of a turn with the provider's finish
// reason and the number of tools executed.
type Finish struct {
	Reason        string
	ToolsExecuted int
}

// ResponseEnd closes one LLM turn. Usage is attached when the provider
// reported token counts.
type ResponseEnd struct {
	Usage *agent.TokenUsage
}

// RunStatus is a free-form lifecycle status event.
type RunStatus struct {
	StatusType StatusType
	Message    string
	Extra      map[string]any
}

// Error surfaces a failure to consumers in-band.
type Error struct {
	Message string
	Code    string
}

func (ResponseStart) eventType() Type     { return TypeLLMResponseStart }
func (ContentDelta) eventType() Type      { return TypeContent }
func (ToolCallDelta) eventType() Type     { return TypeToolCall }
func (AssistantComplete) eventType() Type { return TypeAssistant }
func (ToolStarted) eventType() Type       { return TypeStatus }
func (ToolResult) eventType() Type        { return TypeTool }
func (ToolCompleted) eventType() Type     { return TypeStatus }
func (Finish) eventType() Type            { return TypeStatus }
func (ResponseEnd) eventType() Type       { return TypeLLMResponseEnd }
func (RunStatus) eventType() Type         { return TypeStatus }
func (Error) eventType() Type             { return TypeError }

// TerminalControlSignal maps a terminal run status to the control signal
// published on the global control channel.
func TerminalControlSignal(status string) string {
	switch status {
	case "completed":
		return ControlEndStream
	case "stopped":
		return ControlStop
	default:
		return ControlError
	}
}
