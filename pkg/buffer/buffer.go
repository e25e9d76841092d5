// Package buffer batches run events into transcript rows. Events arrive on
// the hot streaming path; rows leave on a background flusher so Postgres
// write latency never stalls a run. Deltas are coalesced away — only the
// terminal assistant message of a turn is persisted, never its chunks.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/services"
)

// Store is the persistence surface the buffer flushes into.
// *services.MessageService satisfies it.
type Store interface {
	InsertBatch(ctx context.Context, records []services.MessageRecord) error
}

var (
	// ErrNotRegistered is returned when Add targets a run the buffer does
	// not know. Register must run before the first event.
	ErrNotRegistered = errors.New("run not registered with buffer")

	// ErrQueueFull is returned when a run's pending queue hits its bound.
	// Upstream backpressure should make this unreachable.
	ErrQueueFull = errors.New("buffer queue full")
)

// drainAttempts bounds the synchronous retry loop of a final drain.
const drainAttempts = 3

// Config controls flush cadence and queue bounds.
type Config struct {
	// FlushInterval is the background flusher period.
	FlushInterval time.Duration

	// MaxQueued bounds one run's pending records.
	MaxQueued int
}

type runQueue struct {
	threadID string
	records  []services.MessageRecord
}

// Buffer is the per-process write buffer shared by all runs.
type Buffer struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*runQueue

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  bool

	flushedRows atomic.Int64
	lastBatch   atomic.Int64
}

// New creates a buffer over the store.
func New(store Store, cfg Config) *Buffer {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = 10000
	}
	return &Buffer{
		store:  store,
		cfg:    cfg,
		logger: slog.With("component", "buffer"),
		runs:   make(map[string]*runQueue),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the background flusher. Safe to call once.
func (b *Buffer) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		b.logger.Warn("Buffer already started, ignoring duplicate Start call")
		return
	}
	b.started = true
	b.mu.Unlock()

	go b.flushLoop()
}

// Stop flushes everything still queued and stops the flusher.
func (b *Buffer) Stop(ctx context.Context) {
	b.stopOnce.Do(func() { close(b.stopCh) })
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("Buffer stop timed out waiting for final flush")
	}
}

// Register creates the run's queue and nudges the flusher.
func (b *Buffer) Register(runID, threadID string) {
	b.mu.Lock()
	if _, ok := b.runs[runID]; !ok {
		b.runs[runID] = &runQueue{threadID: threadID}
	}
	b.mu.Unlock()
	b.nudge()
}

// Add queues one envelope for persistence. Delta envelopes are dropped
// here — their content reaches the database only through the assistant
// message that completes the turn.
func (b *Buffer) Add(runID string, env events.Envelope) error {
	if env.IsDelta() {
		return nil
	}

	rec := recordFromEnvelope(env)

	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotRegistered)
	}
	if len(q.records) >= b.cfg.MaxQueued {
		return fmt.Errorf("run %s at %d pending rows: %w", runID, len(q.records), ErrQueueFull)
	}
	if rec.ThreadID == "" {
		rec.ThreadID = q.threadID
	}
	q.records = append(q.records, rec)
	return nil
}

// Drain synchronously flushes the run's remaining records and removes the
// run. Called before ownership release so the transcript is durable before
// subscribers are told the run is over.
func (b *Buffer) Drain(ctx context.Context, runID string) error {
	b.mu.Lock()
	q, ok := b.runs[runID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.runs, runID)
	records := q.records
	threadID := q.threadID
	b.mu.Unlock()

	if len(records) == 0 {
		return nil
	}

	var err error
	for attempt := 1; attempt <= drainAttempts; attempt++ {
		if err = b.store.InsertBatch(ctx, records); err == nil {
			b.flushedRows.Add(int64(len(records)))
			b.lastBatch.Store(int64(len(records)))
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		b.logger.Warn("Final drain attempt failed",
			"run_id", runID,
			"thread_id", threadID,
			"rows", len(records),
			"attempt", attempt,
			"error", err)
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	return fmt.Errorf("failed to drain %d rows for run %s: %w", len(records), runID, err)
}

// Pending returns the total records queued across runs.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, q := range b.runs {
		total += len(q.records)
	}
	return total
}

// FlushedRows returns the cumulative rows written.
func (b *Buffer) FlushedRows() int64 { return b.flushedRows.Load() }

// LastBatchSize returns the size of the most recent flush batch.
func (b *Buffer) LastBatchSize() int64 { return b.lastBatch.Load() }

func (b *Buffer) nudge() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Buffer) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushAll()
		case <-b.wake:
			b.flushAll()
		case <-b.stopCh:
			b.flushAll()
			return
		}
	}
}

// flushAll writes every run's queued records, one transactional batch per
// thread. Failed batches are re-queued at the front in order and retried
// next tick.
func (b *Buffer) flushAll() {
	b.mu.Lock()
	byThread := make(map[string][]services.MessageRecord)
	byRun := make(map[string]string, len(b.runs))
	for runID, q := range b.runs {
		if len(q.records) == 0 {
			continue
		}
		byThread[q.threadID] = append(byThread[q.threadID], q.records...)
		byRun[runID] = q.threadID
		q.records = nil
	}
	b.mu.Unlock()

	if len(byThread) == 0 {
		return
	}

	for threadID, records := range byThread {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := b.store.InsertBatch(ctx, records)
		cancel()
		if err == nil {
			b.flushedRows.Add(int64(len(records)))
			b.lastBatch.Store(int64(len(records)))
			continue
		}

		b.logger.Warn("Flush failed, re-queueing batch",
			"thread_id", threadID,
			"rows", len(records),
			"error", err)
		b.requeue(threadID, byRun, records)
	}
}

// requeue puts a failed batch back at the front of the owning run's queue.
// The run may have drained meanwhile; then the records are gone from the
// buffer and the drain path already reported the loss.
func (b *Buffer) requeue(threadID string, byRun map[string]string, records []services.MessageRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for runID, tid := range byRun {
		if tid != threadID {
			continue
		}
		if q, ok := b.runs[runID]; ok {
			q.records = append(records, q.records...)
		}
		return
	}
}

// recordFromEnvelope maps a wire envelope to its transcript row. Only
// assistant and tool rows participate in the LLM context; statuses and
// stream markers persist as transport rows. The turn id travels top-level
// on the wire but is folded into row metadata so transcript readers can
// group a turn without the stream.
func recordFromEnvelope(env events.Envelope) services.MessageRecord {
	createdAt, err := time.Parse(time.RFC3339Nano, env.CreatedAt)
	if err != nil {
		createdAt = time.Now().UTC()
	}

	metadata := env.Metadata
	if env.ThreadRunID != "" {
		if doc, err := env.MetadataDoc(); err == nil {
			doc["thread_run_id"] = env.ThreadRunID
			if data, err := json.Marshal(doc); err == nil {
				metadata = string(data)
			}
		}
	}

	return services.MessageRecord{
		MessageID: env.MessageID,
		ThreadID:  env.ThreadID,
		Type:      string(env.Type),
		IsLLM:     env.Type == events.TypeAssistant || env.Type == events.TypeTool,
		Content:   env.Content,
		Metadata:  metadata,
		CreatedAt: createdAt,
	}
}
