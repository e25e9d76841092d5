// Package cleanup enforces data-retention policies in the background.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/coordination"
	"github.com/droverhq/drover/pkg/services"
)

// Service periodically enforces retention policies:
//   - Fails pending runs whose job was lost before any instance claimed them
//   - Purges finished webhook dedup rows past their retention window
//
// All operations are idempotent and safe to run from multiple instances.
type Service struct {
	config   *config.RetentionConfig
	runs     *services.RunService
	webhooks *coordination.WebhookDeduper

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new retention service.
func NewService(
	cfg *config.RetentionConfig,
	runs *services.RunService,
	webhooks *coordination.WebhookDeduper,
) *Service {
	return &Service{
		config:   cfg,
		runs:     runs,
		webhooks: webhooks,
	}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started",
		"pending_run_ttl", s.config.PendingRunTTL,
		"webhook_retention", s.config.WebhookRetention,
		"interval", s.config.CleanupInterval)
}

// Stop signals the retention loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.failAbandonedPending(ctx)
	s.purgeWebhookRows(ctx)
}

// Sweeps run on a background context so a shutdown mid-sweep cannot abort
// a write that already started.
func (s *Service) failAbandonedPending(_ context.Context) {
	count, err := s.runs.FailStalePending(context.Background(), s.config.PendingRunTTL)
	if err != nil {
		slog.Error("Retention: failing abandoned pending runs failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: failed abandoned pending runs", "count", count)
	}
}

func (s *Service) purgeWebhookRows(_ context.Context) {
	count, err := s.webhooks.PurgeFinished(context.Background(), s.config.WebhookRetention)
	if err != nil {
		slog.Error("Retention: webhook dedup purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged finished webhook rows", "count", count)
	}
}
