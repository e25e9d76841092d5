package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

type askArgs struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

type completeArgs struct {
	Summary string `json:"summary,omitempty"`
}

// RegisterBuiltins adds the built-in terminator tools. "ask" hands the
// conversation back to the user with a question, "complete" marks the task
// finished. Both are terminators: after their result is recorded the run
// stops instead of looping back to the LLM.
func RegisterBuiltins(r *Registry) error {
	err := r.Register(ToolDefinition{
		Name:             "ask",
		Description:      "Ask the user a question and wait for their reply. Ends the current run.",
		ParametersSchema: SchemaFor[askArgs](),
	}, func(_ context.Context, raw json.RawMessage) (any, error) {
		var args askArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("decode ask arguments: %w", err)
		}
		out := map[string]any{"text": args.Text}
		if len(args.Attachments) > 0 {
			out["attachments"] = args.Attachments
		}
		return out, nil
	})
	if err != nil {
		return err
	}

	return r.Register(ToolDefinition{
		Name:             "complete",
		Description:      "Mark the task as finished. Ends the current run.",
		ParametersSchema: SchemaFor[completeArgs](),
	}, func(_ context.Context, raw json.RawMessage) (any, error) {
		var args completeArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("decode complete arguments: %w", err)
		}
		out := map[string]any{"status": "complete"}
		if args.Summary != "" {
			out["summary"] = args.Summary
		}
		return out, nil
	})
}
