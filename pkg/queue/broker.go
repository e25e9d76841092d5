package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/droverhq/drover/pkg/kvstream"
)

// Broker is the job transport: producers append run jobs to the shared
// stream, workers consume them through a consumer group. Delivery is
// at-least-once; the ownership lock downstream makes execution
// at-most-once.
type Broker struct {
	kv     *kvstream.Client
	logger *slog.Logger
}

// NewBroker wraps the Redis client for job transport.
func NewBroker(kv *kvstream.Client, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{kv: kv, logger: logger.With("component", "broker")}
}

// EnsureGroup creates the consumer group if this is the first instance to
// boot. Idempotent.
func (b *Broker) EnsureGroup(ctx context.Context) error {
	return b.kv.GroupCreate(ctx, kvstream.JobStream, kvstream.JobGroup)
}

// Enqueue appends a job to the broker stream and returns its delivery id.
func (b *Broker) Enqueue(ctx context.Context, job Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	payload, err := job.encode()
	if err != nil {
		return "", err
	}
	// Never trim the job stream: entries are deleted on ack instead.
	id, err := b.kv.StreamAppend(ctx, kvstream.JobStream, map[string]any{"payload": payload}, 0)
	if err != nil {
		return "", fmt.Errorf("enqueue run %s: %w", job.RunID, err)
	}
	b.logger.Debug("Job enqueued", "run_id", job.RunID, "delivery_id", id)
	return id, nil
}

// Delivery pairs a decoded job with the stream id used to acknowledge it.
type Delivery struct {
	ID  string
	Job Job
}

// Next blocks up to block for the next job delivered to this consumer.
// Returns ErrNoJobs when the block expires empty. A delivery that cannot
// be decoded is acknowledged and dropped so it cannot wedge the group.
func (b *Broker) Next(ctx context.Context, consumer string, block time.Duration) (*Delivery, error) {
	entries, err := b.kv.GroupRead(ctx, kvstream.JobStream, kvstream.JobGroup, consumer, 1, block)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoJobs
	}
	return b.deliveryFromEntry(ctx, entries[0])
}

// Reclaim takes over one delivery that sat unacknowledged past minIdle,
// typically because its consumer died between read and ack. Returns
// ErrNoJobs when nothing is stuck.
func (b *Broker) Reclaim(ctx context.Context, consumer string, minIdle time.Duration) (*Delivery, error) {
	entries, err := b.kv.GroupAutoClaim(ctx, kvstream.JobStream, kvstream.JobGroup, consumer, minIdle, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoJobs
	}
	b.logger.Info("Reclaimed stuck delivery", "delivery_id", entries[0].ID, "consumer", consumer)
	return b.deliveryFromEntry(ctx, entries[0])
}

// Ack acknowledges a handled delivery and deletes its entry, so the
// stream's length stays an honest queue depth.
func (b *Broker) Ack(ctx context.Context, deliveryID string) error {
	if err := b.kv.GroupAck(ctx, kvstream.JobStream, kvstream.JobGroup, deliveryID); err != nil {
		return err
	}
	if err := b.kv.StreamDelete(ctx, kvstream.JobStream, deliveryID); err != nil {
		b.logger.Warn("Failed to delete acked delivery", "delivery_id", deliveryID, "error", err)
	}
	return nil
}

// Depth returns the number of jobs still on the stream (unread plus
// delivered-but-unacked).
func (b *Broker) Depth(ctx context.Context) (int64, error) {
	return b.kv.StreamLen(ctx, kvstream.JobStream)
}

func (b *Broker) deliveryFromEntry(ctx context.Context, entry kvstream.StreamEntry) (*Delivery, error) {
	job, err := decodeJob(entry.Fields["payload"])
	if err != nil {
		// A poison entry would be redelivered forever; drop it.
		b.logger.Error("Dropping malformed job delivery", "delivery_id", entry.ID, "error", err)
		if ackErr := b.Ack(ctx, entry.ID); ackErr != nil {
			b.logger.Warn("Failed to ack malformed delivery", "delivery_id", entry.ID, "error", ackErr)
		}
		return nil, ErrNoJobs
	}
	return &Delivery{ID: entry.ID, Job: job}, nil
}
