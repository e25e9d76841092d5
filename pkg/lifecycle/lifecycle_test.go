package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/kvstream"
)

type stubStatus struct {
	status string
}

func (s stubStatus) RunStatus(context.Context, string) (string, error) {
	return s.status, nil
}

// Long heartbeat so the background ticker never interferes; tests drive
// beats through Touch.
func newManager(t *testing.T, instanceID, dbStatus string) (*Manager, *kvstream.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := kvstream.NewClientFromRedis(rdb, 2*time.Second)
	t.Cleanup(func() { _ = kv.Close() })

	cfg := &config.RunConfig{
		HeartbeatInterval: 10 * time.Second,
		LockTTL:           30 * time.Second,
	}
	return NewManager(kv, stubStatus{status: dbStatus}, cfg, time.Hour, instanceID), kv, mr
}

func TestClaimWritesHeartbeatAndTracksLease(t *testing.T) {
	m, kv, _ := newManager(t, "inst-a", "pending")
	ctx := context.Background()

	lease, err := m.Claim(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", lease.RunID())
	assert.False(t, lease.TakenOver())
	assert.Equal(t, 1, m.ActiveCount())
	assert.Equal(t, []string{"run-1"}, m.ActiveRuns())

	alive, err := kv.Exists(ctx, kvstream.ActiveRunKey("inst-a", "run-1"))
	require.NoError(t, err)
	assert.True(t, alive, "claim must write the heartbeat marker")

	holder, err := kv.LockHolder(ctx, kvstream.RunLockKey("run-1"))
	require.NoError(t, err)
	assert.Equal(t, "inst-a", holder)

	require.NoError(t, lease.Release(ctx, "completed"))
	assert.Equal(t, 0, m.ActiveCount())
}

func TestClaimRefusedWhileOwnerAlive(t *testing.T) {
	a, _, _ := newManager(t, "inst-a", "running")
	ctx := context.Background()

	leaseA, err := a.Claim(ctx, "run-1")
	require.NoError(t, err)
	defer leaseA.Release(ctx, "completed")

	b := NewManager(a.kv, stubStatus{status: "running"}, &config.RunConfig{
		HeartbeatInterval: 10 * time.Second,
		LockTTL:           30 * time.Second,
	}, time.Hour, "inst-b")

	_, err = b.Claim(ctx, "run-1")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestClaimTakesOverDeadOwner(t *testing.T) {
	m, kv, _ := newManager(t, "inst-b", "failed")
	ctx := context.Background()

	// A lock from a crashed instance: no heartbeat, DB not running.
	ok, err := kv.AcquireLock(ctx, kvstream.RunLockKey("run-1"), "inst-dead", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	lease, err := m.Claim(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, lease.TakenOver())
	require.NoError(t, lease.Release(ctx, "failed"))
}

func TestClaimRefusedDuringShutdown(t *testing.T) {
	m, _, _ := newManager(t, "inst-a", "pending")

	m.BeginShutdown()
	assert.True(t, m.ShuttingDown())

	_, err := m.Claim(context.Background(), "run-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyClaimed)
}

func TestReleaseStampsStreamTTLAndDeletesKeys(t *testing.T) {
	m, kv, mr := newManager(t, "inst-a", "pending")
	ctx := context.Background()

	lease, err := m.Claim(ctx, "run-1")
	require.NoError(t, err)

	streamKey := kvstream.RunStreamKey("run-1")
	_, err = kv.StreamAppend(ctx, streamKey, map[string]any{"type": "status"}, 0)
	require.NoError(t, err)

	require.NoError(t, lease.Release(ctx, "completed"))

	assert.Equal(t, time.Hour, mr.TTL(streamKey), "stream retention must be stamped")

	alive, err := kv.Exists(ctx, kvstream.ActiveRunKey("inst-a", "run-1"))
	require.NoError(t, err)
	assert.False(t, alive)

	holder, err := kv.LockHolder(ctx, kvstream.RunLockKey("run-1"))
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, _, _ := newManager(t, "inst-a", "pending")
	ctx := context.Background()

	lease, err := m.Claim(ctx, "run-1")
	require.NoError(t, err)

	require.NoError(t, lease.Release(ctx, "completed"))
	require.NoError(t, lease.Release(ctx, "completed"))
}

func TestTouchDetectsLostOwnership(t *testing.T) {
	m, kv, _ := newManager(t, "inst-a", "pending")
	ctx := context.Background()

	lease, err := m.Claim(ctx, "run-1")
	require.NoError(t, err)
	defer lease.Release(ctx, "failed")

	select {
	case <-lease.Lost():
		t.Fatal("lease must start live")
	default:
	}

	// Lock vanishes from under us (expiry plus takeover elsewhere).
	require.NoError(t, kv.Delete(ctx, kvstream.RunLockKey("run-1")))
	lease.Touch(ctx)

	select {
	case <-lease.Lost():
	default:
		t.Fatal("touch must notice the lost lock")
	}
}

func TestQuiesceWaitsForRelease(t *testing.T) {
	m, _, _ := newManager(t, "inst-a", "pending")
	ctx := context.Background()

	lease, err := m.Claim(ctx, "run-1")
	require.NoError(t, err)

	go func() {
		time.Sleep(300 * time.Millisecond)
		_ = lease.Release(context.Background(), "completed")
	}()

	quiesceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Quiesce(quiesceCtx))
}

func TestQuiesceTimesOutWithActiveRuns(t *testing.T) {
	m, _, _ := newManager(t, "inst-a", "pending")
	ctx := context.Background()

	lease, err := m.Claim(ctx, "run-1")
	require.NoError(t, err)
	defer lease.Release(ctx, "completed")

	quiesceCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	err = m.Quiesce(quiesceCtx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
