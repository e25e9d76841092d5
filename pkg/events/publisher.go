package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/droverhq/drover/pkg/kvstream"
)

// PublisherConfig bounds a run's Redis fan-out.
type PublisherConfig struct {
	// MaxLen is the approximate stream trim length.
	MaxLen int64
	// MaxPending pauses delta streaming when this many Redis ops are in
	// flight; streaming resumes below half of it.
	MaxPending int64
	// CompletedTTL is applied to the stream key at terminal signalling.
	CompletedTTL time.Duration
}

// RunPublisher fans sealed envelopes out for one run: every event is
// appended to the run's stream and published to its response channel
// without blocking the coordinator. Writes are asynchronous; ordering for
// consumers comes from the envelope sequence, not Redis arrival order.
type RunPublisher struct {
	kv     *kvstream.Client
	logger *slog.Logger

	runID           string
	streamKey       string
	responseChannel string
	controlChannel  string

	maxLen      int64
	maxPending  int64
	resumeBelow int64

	pending       atomic.Int64
	paused        atomic.Bool
	droppedDeltas atomic.Int64
	published     atomic.Int64
	signalled     atomic.Bool
	completedTTL  time.Duration

	wg sync.WaitGroup
}

// NewRunPublisher creates the publisher for one run.
func NewRunPublisher(kv *kvstream.Client, runID string, cfg PublisherConfig, logger *slog.Logger) *RunPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunPublisher{
		kv:              kv,
		logger:          logger.With("component", "run_publisher", "run_id", runID),
		runID:           runID,
		streamKey:       kvstream.RunStreamKey(runID),
		responseChannel: kvstream.RunResponseChannel(runID),
		controlChannel:  kvstream.RunControlChannel(runID),
		maxLen:          cfg.MaxLen,
		maxPending:      cfg.MaxPending,
		resumeBelow:     cfg.MaxPending / 2,
		completedTTL:    cfg.CompletedTTL,
	}
}

// Publish fans one envelope out. Under backpressure, delta envelopes are
// dropped for live subscribers (persistence is unaffected, the write
// buffer received the event separately); all other envelopes are always
// written. Publish never blocks on Redis.
func (p *RunPublisher) Publish(ctx context.Context, env Envelope) error {
	inFlight := p.pending.Load()
	if inFlight >= p.maxPending {
		if p.paused.CompareAndSwap(false, true) {
			p.logger.Warn("Pausing delta streaming, too many pending Redis ops",
				"pending", inFlight, "max_pending", p.maxPending)
		}
	} else if inFlight < p.resumeBelow && p.paused.CompareAndSwap(true, false) {
		p.logger.Info("Resuming delta streaming", "pending", inFlight,
			"dropped_deltas", p.droppedDeltas.Load())
	}
	if p.paused.Load() && env.IsDelta() {
		p.droppedDeltas.Add(1)
		return nil
	}

	data, err := env.JSON()
	if err != nil {
		return fmt.Errorf("encode envelope for run %s: %w", p.runID, err)
	}

	// Writes outlive a cancelled coordinator context; Drain bounds them.
	writeCtx := context.WithoutCancel(ctx)
	p.pending.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.pending.Add(-1)
		if _, err := p.kv.StreamAppend(writeCtx, p.streamKey, map[string]any{"data": data}, p.maxLen); err != nil {
			p.logger.Warn("Stream append failed", "sequence", env.Sequence, "error", err)
		}
		if _, err := p.kv.Publish(writeCtx, p.responseChannel, string(data)); err != nil {
			p.logger.Warn("Response publish failed", "sequence", env.Sequence, "error", err)
		}
	}()
	p.published.Add(1)
	return nil
}

// Drain waits for in-flight Redis ops to finish, bounded by ctx.
func (p *RunPublisher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain run %s publisher, %d ops still pending: %w",
			p.runID, p.pending.Load(), ctx.Err())
	}
}

// SignalTerminal publishes the run's single terminal control signal and
// arms the stream key's expiry. Repeat calls are no-ops so the signal is
// published exactly once.
func (p *RunPublisher) SignalTerminal(ctx context.Context, status string) error {
	if !p.signalled.CompareAndSwap(false, true) {
		return nil
	}
	signal := TerminalControlSignal(status)
	if _, err := p.kv.Publish(ctx, p.controlChannel, signal); err != nil {
		return fmt.Errorf("publish terminal signal %s for run %s: %w", signal, p.runID, err)
	}
	if p.completedTTL > 0 {
		if _, err := p.kv.Expire(ctx, p.streamKey, p.completedTTL); err != nil {
			p.logger.Warn("Arming stream TTL failed", "error", err)
		}
	}
	p.logger.Info("Terminal signal published", "signal", signal, "status", status)
	return nil
}

// PendingOps returns the number of in-flight Redis ops.
func (p *RunPublisher) PendingOps() int64 { return p.pending.Load() }

// PublishedCount returns how many envelopes were accepted for fan-out.
func (p *RunPublisher) PublishedCount() int64 { return p.published.Load() }

// DroppedDeltas returns how many delta envelopes backpressure discarded.
func (p *RunPublisher) DroppedDeltas() int64 { return p.droppedDeltas.Load() }
