package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire form of an event. Content and Metadata hold
// JSON-stringified documents so the envelope itself stays flat for
// stream consumers.
type Envelope struct {
	Type        Type   `json:"type"`
	ThreadRunID string `json:"thread_run_id,omitempty"`
	Sequence    int64  `json:"sequence"`
	MessageID   string `json:"message_id,omitempty"`
	ThreadID    string `json:"thread_id,omitempty"`
	Content     string `json:"content"`
	Metadata    string `json:"metadata"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// JSON renders the envelope for the stream/pubsub edge.
func (e Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// IsDelta reports whether the envelope is a transport-internal streaming
// fragment, which backpressure may drop for live subscribers.
func (e Envelope) IsDelta() bool {
	return e.Type == TypeContent || e.Type == TypeToolCall
}

// DecodeEnvelope parses a wire envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode event envelope: %w", err)
	}
	return env, nil
}

// ContentDoc parses the JSON-stringified content document.
func (e Envelope) ContentDoc() (map[string]any, error) {
	return decodeDoc(e.Content)
}

// MetadataDoc parses the JSON-stringified metadata document.
func (e Envelope) MetadataDoc() (map[string]any, error) {
	return decodeDoc(e.Metadata)
}

func decodeDoc(s string) (map[string]any, error) {
	if s == "" {
		return map[string]any{}, nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, fmt.Errorf("decode envelope document: %w", err)
	}
	return doc, nil
}

// Sealer turns typed events into envelopes: it stamps the thread, the
// current turn's thread_run_id, the next sequence number and UTC
// timestamps, and JSON-stringifies the per-type content and metadata
// documents. A sealer is owned by the run's coordinator goroutine.
type Sealer struct {
	threadID    string
	threadRunID string
	seq         *Sequencer
	now         func() time.Time
}

// NewSealer creates a sealer for one run's event flow.
func NewSealer(threadID string, seq *Sequencer) *Sealer {
	return &Sealer{threadID: threadID, seq: seq, now: time.Now}
}

// BeginTurn mints a fresh thread_run_id. Called once per top-level turn
// and once per auto-continue so consumers never merge turns.
func (s *Sealer) BeginTurn() string {
	s.threadRunID = uuid.NewString()
	return s.threadRunID
}

// ThreadRunID returns the current turn identifier.
func (s *Sealer) ThreadRunID() string { return s.threadRunID }

// Seal converts one event into its envelope.
func (s *Sealer) Seal(ev Event) (Envelope, error) {
	var (
		content   map[string]any
		metadata  = map[string]any{}
		messageID string
	)

	switch v := ev.(type) {
	case ResponseStart:
		content = map[string]any{}
	case ContentDelta:
		content = map[string]any{"role": "assistant", "content": v.Text}
		metadata["stream_status"] = "chunk"
	case ToolCallDelta:
		content = map[string]any{
			"role":            "assistant",
			"index":           v.Index,
			"tool_call_id":    v.CallID,
			"function_name":   v.Name,
			"arguments_delta": v.ArgumentsDelta,
		}
		metadata["stream_status"] = "chunk"
	case AssistantComplete:
		messageID = v.MessageID
		content = map[string]any{"role": "assistant", "content": v.Content}
		if len(v.ToolCalls) > 0 {
			content["tool_calls"] = v.ToolCalls
		}
		metadata["stream_status"] = "complete"
	case ToolStarted:
		content = map[string]any{
			"status_type":   string(StatusToolStarted),
			"tool_call_id":  v.Call.ID,
			"function_name": v.Call.Name,
			"message":       fmt.Sprintf("Executing tool: %s", v.Call.Name),
		}
	case ToolResult:
		messageID = v.MessageID
		content = map[string]any{
			"role":         "tool",
			"tool_call_id": v.Result.CallID,
			"name":         v.Result.Name,
			"content":      v.Result.Content(),
		}
		metadata["tool_call_id"] = v.Result.CallID
		if v.AssistantMessageID != "" {
			metadata["assistant_message_id"] = v.AssistantMessageID
		}
		if v.Result.ExecutionTimeMS > 0 {
			metadata["execution_time_ms"] = v.Result.ExecutionTimeMS
		}
	case ToolCompleted:
		statusType := StatusToolCompleted
		message := fmt.Sprintf("Tool completed: %s", v.Call.Name)
		switch {
		case !v.Success:
			statusType = StatusToolFailed
			message = fmt.Sprintf("Tool failed: %s", v.Call.Name)
		case v.Terminating:
			statusType = StatusTerminatingToolCompleted
			message = fmt.Sprintf("Tool completed: %s. Run will stop.", v.Call.Name)
			metadata["agent_should_terminate"] = true
			metadata["finish_reason"] = FinishReasonTerminated
		}
		content = map[string]any{
			"status_type":   string(statusType),
			"tool_call_id":  v.Call.ID,
			"function_name": v.Call.Name,
			"message":       message,
		}
	case Finish:
		content = map[string]any{
			"status_type":    string(StatusFinish),
			"finish_reason":  v.Reason,
			"tools_executed": v.ToolsExecuted,
		}
	case ResponseEnd:
		content = map[string]any{}
		if v.Usage != nil {
			metadata["usage"] = v.Usage
		}
	case RunStatus:
		content = map[string]any{
			"status_type": string(v.StatusType),
			"status":      string(v.StatusType),
		}
		if v.Message != "" {
			content["message"] = v.Message
		}
		for k, val := range v.Extra {
			content[k] = val
		}
	case Error:
		content = map[string]any{"status": "error", "message": v.Message}
		if v.Code != "" {
			content["error_code"] = v.Code
		}
	default:
		return Envelope{}, fmt.Errorf("seal: unhandled event variant %T", ev)
	}

	if messageID == "" {
		messageID = uuid.NewString()
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return Envelope{}, fmt.Errorf("seal %s content: %w", ev.eventType(), err)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return Envelope{}, fmt.Errorf("seal %s metadata: %w", ev.eventType(), err)
	}

	ts := s.now().UTC().Format(time.RFC3339Nano)
	return Envelope{
		Type:        ev.eventType(),
		ThreadRunID: s.threadRunID,
		Sequence:    s.seq.Next(),
		MessageID:   messageID,
		ThreadID:    s.threadID,
		Content:     string(contentJSON),
		Metadata:    string(metadataJSON),
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}, nil
}
