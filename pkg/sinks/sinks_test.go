package sinks

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

func newTestBroker(t *testing.T) (*Broker, *kvstream.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := kvstream.NewClientFromRedis(rdb, 2*time.Second)
	t.Cleanup(func() { _ = kv.Close() })
	return NewBroker(kv, nil), kv
}

func TestBrokerEnqueuesRunJobs(t *testing.T) {
	b, kv := newTestBroker(t)
	ctx := context.Background()

	run := RunSummary{
		RunID:     "run-1",
		ThreadID:  "thread-1",
		ProjectID: "proj-1",
		AccountID: "acct-1",
		AgentID:   "agent-1",
		Status:    "completed",
	}
	b.ExtractMemories(ctx, run)
	b.NotifyRunCompleted(ctx, run)

	entries, err := kv.StreamRange(ctx, kvstream.SinkStream, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, JobExtractMemories, entries[0].Fields["type"])
	assert.Equal(t, "run-1", entries[0].Fields["run_id"])
	assert.Equal(t, "thread-1", entries[0].Fields["thread_id"])
	assert.Equal(t, "acct-1", entries[0].Fields["account_id"])
	assert.NotEmpty(t, entries[0].Fields["enqueued_at"])

	assert.Equal(t, JobNotifyCompleted, entries[1].Fields["type"])
	assert.Equal(t, "completed", entries[1].Fields["status"])
}

func TestBrokerFailureJobCarriesError(t *testing.T) {
	b, kv := newTestBroker(t)
	ctx := context.Background()

	b.NotifyRunFailed(ctx, RunSummary{RunID: "run-2", Status: "failed", Error: "llm provider error"})

	entries, err := kv.StreamRange(ctx, kvstream.SinkStream, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, JobNotifyFailed, entries[0].Fields["type"])
	assert.Equal(t, "llm provider error", entries[0].Fields["error"])
}

func TestCategorizeProjectOmitsRunFields(t *testing.T) {
	b, kv := newTestBroker(t)
	ctx := context.Background()

	b.CategorizeProject(ctx, "proj-9", "acct-9")

	entries, err := kv.StreamRange(ctx, kvstream.SinkStream, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, JobCategorizeProject, entries[0].Fields["type"])
	assert.Equal(t, "proj-9", entries[0].Fields["project_id"])
	assert.Equal(t, "acct-9", entries[0].Fields["account_id"])
	assert.NotContains(t, entries[0].Fields, "run_id")
}

func TestEnqueueSurvivesRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := kvstream.NewClientFromRedis(rdb, 100*time.Millisecond)
	b := NewBroker(kv, nil)

	mr.Close()

	// Best-effort: a dead broker must not panic or block the caller.
	b.NotifyRunCompleted(context.Background(), RunSummary{RunID: "run-3"})
}
