package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/cache"
	"github.com/droverhq/drover/pkg/kvstream"
	"github.com/droverhq/drover/pkg/services"
)

// SweepStore is the slice of the run service the sweeper needs.
// *services.RunService satisfies it.
type SweepStore interface {
	ListRunningOlderThan(ctx context.Context, threshold time.Duration) ([]services.AgentRun, error)
	FailIfRunning(ctx context.Context, runID, errMsg string) (bool, error)
}

// sweepState tracks sweeper stats read by Health.
type sweepState struct {
	mu        sync.Mutex
	lastSweep time.Time
	swept     int
}

// runSweeper periodically fails running rows whose owner died. One sweep
// runs at startup to recover runs orphaned while no instance was up. All
// instances sweep independently; FailIfRunning makes the marking
// idempotent.
func (p *WorkerPool) runSweeper(ctx context.Context) {
	log := p.logger.With("component", "sweeper")
	log.Info("Stale run sweeper started",
		"interval", p.cfg.StaleSweepInterval,
		"threshold", p.cfg.StaleThreshold)

	if err := p.sweepStaleRuns(ctx); err != nil {
		log.Error("Stale run sweep failed", "error", err)
	}

	ticker := time.NewTicker(p.cfg.StaleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.sweepStaleRuns(ctx); err != nil {
				log.Error("Stale run sweep failed", "error", err)
			}
		}
	}
}

// sweepStaleRuns fails running rows older than the threshold that no
// live ownership lock covers. The lock and the heartbeat share a refresh
// cycle, so a missing lock means the heartbeat is gone too; a present
// lock means the run is still being driven, just slowly.
func (p *WorkerPool) sweepStaleRuns(ctx context.Context) error {
	log := p.logger.With("component", "sweeper")

	runs, err := p.sweeps.ListRunningOlderThan(ctx, p.cfg.StaleThreshold)
	if err != nil {
		return fmt.Errorf("failed to query stale runs: %w", err)
	}

	if len(runs) == 0 {
		p.sweep.mu.Lock()
		p.sweep.lastSweep = time.Now()
		p.sweep.mu.Unlock()
		return nil
	}

	log.Warn("Detected stale candidate runs", "count", len(runs))

	swept := 0
	for _, run := range runs {
		if p.failStaleRun(ctx, log, run) {
			swept++
		}
	}

	p.sweep.mu.Lock()
	p.sweep.lastSweep = time.Now()
	p.sweep.swept += swept
	p.sweep.mu.Unlock()

	return nil
}

// failStaleRun marks a single orphaned run as failed. Returns true when
// this sweep actually flipped the row.
func (p *WorkerPool) failStaleRun(ctx context.Context, log *slog.Logger, run services.AgentRun) bool {
	held, err := p.kv.Exists(ctx, kvstream.RunLockKey(run.ID))
	if err != nil {
		log.Error("Ownership lock check failed", "run_id", run.ID, "error", err)
		return false
	}
	if held {
		return false
	}

	failed, err := p.sweeps.FailIfRunning(ctx, run.ID,
		fmt.Sprintf("Run orphaned: no live ownership lock after %v", p.cfg.StaleThreshold))
	if err != nil {
		log.Error("Failed to mark stale run", "run_id", run.ID, "error", err)
		return false
	}
	if !failed {
		// Raced with its owner or another sweeper; already terminal.
		return false
	}

	log.Warn("Stale run marked as failed", "run_id", run.ID, "account_id", run.AccountID)
	p.metrics.StaleRunsFailed.Inc()
	p.inv.Invalidate(cache.EntityAccount, run.AccountID)
	return true
}
