package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/kvstream"
)

func newTestBroker(t *testing.T) (*Broker, *kvstream.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := kvstream.NewClientFromRedis(rdb, 2*time.Second)
	t.Cleanup(func() { _ = kv.Close() })

	b := NewBroker(kv, nil)
	require.NoError(t, b.EnsureGroup(context.Background()))
	return b, kv, mr
}

func testJob(runID string) Job {
	return Job{
		RunID:     runID,
		ThreadID:  "thread-1",
		ProjectID: "proj-1",
		AccountID: "acct-1",
		AgentID:   "agent-1",
		Model:     "gpt-4o",
	}
}

func TestBrokerEnqueueNextAck(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, testJob("run-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	depth, err := b.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	d, err := b.Next(ctx, "w1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, id, d.ID)
	assert.Equal(t, "run-1", d.Job.RunID)
	assert.Equal(t, "thread-1", d.Job.ThreadID)
	assert.Equal(t, "acct-1", d.Job.AccountID)
	assert.Equal(t, "gpt-4o", d.Job.Model)

	require.NoError(t, b.Ack(ctx, d.ID))

	// Ack deletes the entry, so the depth reflects unfinished work only.
	depth, err = b.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	_, err = b.Next(ctx, "w1", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoJobs)
}

func TestBrokerRejectsInvalidJob(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, Job{ThreadID: "thread-1", AccountID: "acct-1"})
	assert.ErrorContains(t, err, "run_id")

	_, err = b.Enqueue(ctx, Job{RunID: "run-1", ThreadID: "thread-1"})
	assert.ErrorContains(t, err, "account_id")
}

func TestBrokerReclaimTakesOverUnacked(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, testJob("run-1"))
	require.NoError(t, err)

	// w1 reads the delivery but never acks it.
	d1, err := b.Next(ctx, "w1", 10*time.Millisecond)
	require.NoError(t, err)

	d2, err := b.Reclaim(ctx, "w2", 0)
	require.NoError(t, err)
	assert.Equal(t, d1.ID, d2.ID)
	assert.Equal(t, "run-1", d2.Job.RunID)

	require.NoError(t, b.Ack(ctx, d2.ID))

	_, err = b.Reclaim(ctx, "w2", 0)
	assert.ErrorIs(t, err, ErrNoJobs)
}

func TestBrokerDropsPoisonDelivery(t *testing.T) {
	b, kv, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := kv.StreamAppend(ctx, kvstream.JobStream, map[string]any{"payload": "{not json"}, 0)
	require.NoError(t, err)

	// The poison entry is acknowledged and dropped, not redelivered.
	_, err = b.Next(ctx, "w1", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoJobs)

	depth, err := b.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	_, err = b.Reclaim(ctx, "w2", 0)
	assert.ErrorIs(t, err, ErrNoJobs)
}

func TestBrokerJobFieldRoundTrip(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	in := Job{
		RunID:          "run-9",
		ThreadID:       "thread-9",
		ProjectID:      "proj-9",
		AccountID:      "acct-9",
		AgentID:        "agent-9",
		AgentVersionID: "v3",
		Model:          "claude-sonnet-4",
		InstanceID:     "api-0",
		RequestID:      "req-42",
		StreamMaxLen:   500,
	}
	_, err := b.Enqueue(ctx, in)
	require.NoError(t, err)

	d, err := b.Next(ctx, "w1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, in, d.Job)
}
