package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/droverhq/drover/pkg/cache"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/kvstream"
	"github.com/droverhq/drover/pkg/lifecycle"
	"github.com/droverhq/drover/pkg/metrics"
)

// WorkerPool manages this instance's queue workers and the stale-run
// sweeper.
type WorkerPool struct {
	instanceID string
	broker     *Broker
	driver     *Driver
	lc         *lifecycle.Manager
	kv         *kvstream.Client
	sweeps     SweepStore
	inv        *cache.Invalidator
	cfg        *config.WorkerConfig
	metrics    *metrics.Metrics
	logger     *slog.Logger

	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	sweep sweepState
}

// PoolDeps carries the pool's collaborators.
type PoolDeps struct {
	Broker      *Broker
	Driver      *Driver
	Lifecycle   *lifecycle.Manager
	KV          *kvstream.Client
	Sweeps      SweepStore
	Invalidator *cache.Invalidator
	Worker      *config.WorkerConfig
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// NewWorkerPool creates a worker pool for one instance.
func NewWorkerPool(deps PoolDeps) *WorkerPool {
	if deps.Invalidator == nil {
		deps.Invalidator = cache.NewInvalidator()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		instanceID: deps.Lifecycle.InstanceID(),
		broker:     deps.Broker,
		driver:     deps.Driver,
		lc:         deps.Lifecycle,
		kv:         deps.KV,
		sweeps:     deps.Sweeps,
		inv:        deps.Invalidator,
		cfg:        deps.Worker,
		metrics:    deps.Metrics,
		logger:     logger.With("component", "pool"),
		workers:    make([]*Worker, 0, deps.Worker.WorkerCount),
		stopCh:     make(chan struct{}),
	}
}

// Start ensures the consumer group exists, then spawns the workers and
// the sweeper. Safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		p.logger.Warn("Worker pool already started, ignoring duplicate Start call", "instance_id", p.instanceID)
		return nil
	}
	p.started = true

	if err := p.broker.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	p.logger.Info("Starting worker pool", "instance_id", p.instanceID, "worker_count", p.cfg.WorkerCount)

	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.instanceID, i)
		worker := NewWorker(workerID, p.broker, p.driver, p.lc, p.cfg, p.logger)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runSweeper(ctx)
	}()

	p.logger.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish their
// current runs.
func (p *WorkerPool) Stop() {
	p.logger.Info("Stopping worker pool gracefully")

	if active := p.lc.ActiveRuns(); len(active) > 0 {
		p.logger.Info("Waiting for active runs to complete",
			"count", len(active),
			"run_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.logger.Info("Worker pool stopped gracefully")
}

// Health returns the current health snapshot of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	redisOK := p.kv.Healthy(ctx)
	var queueDepth int64
	if redisOK {
		var err error
		if queueDepth, err = p.broker.Depth(ctx); err != nil {
			p.logger.Error("Queue depth query failed for health check", "error", err)
			redisOK = false
		}
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == workerWorking {
			activeWorkers++
		}
	}

	activeRuns := p.lc.ActiveCount()
	isHealthy := len(p.workers) > 0 && redisOK && activeRuns <= p.cfg.MaxConcurrentRuns

	p.sweep.mu.Lock()
	lastSweep := p.sweep.lastSweep
	swept := p.sweep.swept
	p.sweep.mu.Unlock()

	return &PoolHealth{
		IsHealthy:      isHealthy,
		RedisReachable: redisOK,
		InstanceID:     p.instanceID,
		ShuttingDown:   p.lc.ShuttingDown(),
		ActiveWorkers:  activeWorkers,
		TotalWorkers:   len(p.workers),
		ActiveRuns:     activeRuns,
		MaxConcurrent:  p.cfg.MaxConcurrentRuns,
		QueueDepth:     queueDepth,
		WorkerStats:    workerStats,
		LastSweep:      lastSweep,
		StaleRunsSwept: swept,
	}
}
