package kvstream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewClientFromRedis(rdb, 2*time.Second)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestGetSet(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestSetNX(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "k", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "k", "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", val)
}

func TestExpireAndDelete(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	ok, err := c.Expire(ctx, "k", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(100 * time.Millisecond)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Set(ctx, "k2", "v", 0))
	require.NoError(t, c.Delete(ctx, "k2"))
	_, err = c.Get(ctx, "k2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStreamAppendAndRange(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	var ids []string
	for _, payload := range []string{"a", "b", "c"} {
		id, err := c.StreamAppend(ctx, "s", map[string]any{"data": payload}, 0)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Full read from the beginning.
	entries, err := c.StreamRange(ctx, "s", "", 100)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].Fields["data"])
	assert.Equal(t, "c", entries[2].Fields["data"])

	// Paging after the first id is exclusive.
	entries, err = c.StreamRange(ctx, "s", ids[0], 100)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Fields["data"])

	n, err := c.StreamLen(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestGroupReadAckCycle(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.GroupCreate(ctx, "jobs", "g"))
	// Re-creating an existing group must not be an error.
	require.NoError(t, c.GroupCreate(ctx, "jobs", "g"))

	id1, err := c.StreamAppend(ctx, "jobs", map[string]any{"run_id": "r1"}, 0)
	require.NoError(t, err)
	_, err = c.StreamAppend(ctx, "jobs", map[string]any{"run_id": "r2"}, 0)
	require.NoError(t, err)

	entries, err := c.GroupRead(ctx, "jobs", "g", "w1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "r1", entries[0].Fields["run_id"])
	assert.Equal(t, "r2", entries[1].Fields["run_id"])

	// Everything is delivered; a second read comes back empty.
	entries, err = c.GroupRead(ctx, "jobs", "g", "w1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, c.GroupAck(ctx, "jobs", "g", id1))
}

func TestGroupAutoClaimRecoversUnacked(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.GroupCreate(ctx, "jobs", "g"))
	id1, err := c.StreamAppend(ctx, "jobs", map[string]any{"run_id": "r1"}, 0)
	require.NoError(t, err)
	_, err = c.StreamAppend(ctx, "jobs", map[string]any{"run_id": "r2"}, 0)
	require.NoError(t, err)

	// Consumer w1 takes both but only acks the first before dying.
	entries, err := c.GroupRead(ctx, "jobs", "g", "w1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NoError(t, c.GroupAck(ctx, "jobs", "g", id1))

	claimed, err := c.GroupAutoClaim(ctx, "jobs", "g", "w2", 0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "r2", claimed[0].Fields["run_id"])
}

func TestPubSubDeliveryAfterSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := c.Subscribe(ctx, "ch")
	require.NoError(t, err)
	defer sub.Close()

	_, err = c.Publish(ctx, "ch", "STOP")
	require.NoError(t, err)

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "ch", msg.Channel)
		assert.Equal(t, "STOP", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestAcquireReleaseLock(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	key := RunLockKey("run-1")

	ok, err := c.AcquireLock(ctx, key, "instance-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Same holder re-acquires (TTL refresh), different holder is refused.
	ok, err = c.AcquireLock(ctx, key, "instance-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AcquireLock(ctx, key, "instance-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Wrong holder cannot release.
	ok, err = c.ReleaseLock(ctx, key, "instance-b")
	require.NoError(t, err)
	assert.False(t, ok)

	holder, err := c.LockHolder(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "instance-a", holder)

	ok, err = c.ReleaseLock(ctx, key, "instance-a")
	require.NoError(t, err)
	assert.True(t, ok)

	holder, err = c.LockHolder(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestRefreshLock(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	key := RunLockKey("run-2")

	ok, err := c.AcquireLock(ctx, key, "instance-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.RefreshLock(ctx, key, "instance-a", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.RefreshLock(ctx, key, "instance-b", 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyNames(t *testing.T) {
	assert.Equal(t, "agent_run_lock:r1", RunLockKey("r1"))
	assert.Equal(t, "active_run:i1:r1", ActiveRunKey("i1", "r1"))
	assert.Equal(t, "agent_run:r1:stream", RunStreamKey("r1"))
	assert.Equal(t, "agent_run:r1:control", RunControlChannel("r1"))
	assert.Equal(t, "agent_run:r1:control:i1", RunInstanceControlChannel("r1", "i1"))
	assert.Equal(t, "idempotency:r1:3:llm", StepIdempotencyKey("r1", 3, "llm"))
}
