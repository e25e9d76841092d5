package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/lifecycle"
)

// Worker status values reported through WorkerHealth.
const (
	workerIdle    = "idle"
	workerWorking = "working"
)

// ackTimeout bounds the acknowledge call after a run finished. The ack
// must land even when the worker is being stopped.
const ackTimeout = 5 * time.Second

// Worker is a single queue worker: it claims deliveries from the broker
// and hands each job to the driver.
type Worker struct {
	id     string
	broker *Broker
	driver *Driver
	lc     *lifecycle.Manager
	cfg    *config.WorkerConfig
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        string
	currentRunID  string
	runsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a queue worker.
func NewWorker(id string, broker *Broker, driver *Driver, lc *lifecycle.Manager, cfg *config.WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:           id,
		broker:       broker,
		driver:       driver,
		lc:           lc,
		cfg:          cfg,
		logger:       logger.With("worker_id", id),
		stopCh:       make(chan struct{}),
		status:       workerIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish. The worker
// finishes its current run before exiting. Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        w.status,
		CurrentRunID:  w.currentRunID,
		RunsProcessed: w.runsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := w.logger
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if w.lc.ShuttingDown() {
				// Stop claiming new jobs; the pool closes stopCh shortly.
				w.sleep(time.Second)
				continue
			}
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobs) {
					// The broker read already blocked for ClaimBlock.
					continue
				}
				if errors.Is(err, ErrAtCapacity) {
					w.sleep(time.Second)
					continue
				}
				log.Error("Error processing run", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a delivery, and drives the run.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// Best-effort capacity check; racy with concurrent workers but
	// bounded by WorkerCount.
	if w.lc.ActiveCount() >= w.cfg.MaxConcurrentRuns {
		return ErrAtCapacity
	}

	delivery, err := w.nextDelivery(ctx)
	if err != nil {
		return err
	}

	log := w.logger.With("run_id", delivery.Job.RunID, "delivery_id", delivery.ID)
	log.Info("Job claimed")

	w.setStatus(workerWorking, delivery.Job.RunID)
	defer w.setStatus(workerIdle, "")

	result, err := w.driver.Execute(ctx, delivery.Job)
	if err != nil {
		// Leave the delivery unacknowledged so it is redelivered.
		return fmt.Errorf("execute run %s: %w", delivery.Job.RunID, err)
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	if err := w.broker.Ack(ackCtx, delivery.ID); err != nil {
		log.Warn("Acknowledging delivery failed, job may be redelivered", "error", err)
	}

	w.mu.Lock()
	w.runsProcessed++
	w.mu.Unlock()

	switch {
	case result.Skipped:
		log.Info("Delivery skipped", "reason", "lock_not_acquired")
	case result.Abandoned:
		log.Warn("Run abandoned after ownership takeover", "steps", result.Steps)
	default:
		log.Info("Run processing complete", "status", result.Status, "steps", result.Steps)
	}
	return nil
}

// nextDelivery prefers taking over a stuck delivery, then blocks for a
// fresh one.
func (w *Worker) nextDelivery(ctx context.Context) (*Delivery, error) {
	d, err := w.broker.Reclaim(ctx, w.id, w.cfg.ReclaimIdle)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, ErrNoJobs) {
		return nil, err
	}
	return w.broker.Next(ctx, w.id, w.cfg.ClaimBlock)
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status, runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentRunID = runID
	w.lastActivity = time.Now()
}
