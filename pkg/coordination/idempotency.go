package coordination

import (
	"context"
	"time"

	"github.com/droverhq/drover/pkg/kvstream"
)

// stepMarkerTTL keeps markers around long enough to cover any broker retry
// without accumulating forever.
const stepMarkerTTL = 15 * time.Minute

// StepGuard makes per-step LLM/tool invocations safe under job redelivery.
// A marker is written after the step's effects are durable; a redelivered
// job consults it before re-running the step.
type StepGuard struct {
	kv *kvstream.Client
}

// NewStepGuard wires the guard.
func NewStepGuard(kv *kvstream.Client) *StepGuard {
	return &StepGuard{kv: kv}
}

// Seen reports whether (run, step, kind) already executed.
func (g *StepGuard) Seen(ctx context.Context, runID string, step int, kind string) (bool, error) {
	return g.kv.Exists(ctx, kvstream.StepIdempotencyKey(runID, step, kind))
}

// Mark records (run, step, kind) as executed.
func (g *StepGuard) Mark(ctx context.Context, runID string, step int, kind string) error {
	return g.kv.Set(ctx, kvstream.StepIdempotencyKey(runID, step, kind), "1", stepMarkerTTL)
}
