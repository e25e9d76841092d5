// Package coordination implements the cross-instance safety primitives:
// named mutexes, run-ownership claims with stale-owner takeover, per-step
// idempotency markers, and the webhook/renewal dedup gates.
//
// Redis holds the short-lived state (locks, heartbeats, step markers);
// Postgres holds the durable dedup tables.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/pkg/kvstream"
)

// ErrLockNotAcquired is returned when a mutex could not be taken within the
// wait budget.
var ErrLockNotAcquired = errors.New("lock not acquired")

// lockPollInterval is how often a waiting acquirer re-tries.
const lockPollInterval = 500 * time.Millisecond

// Mutex is a distributed named lock. Each Mutex value carries its own
// holder id, so release and refresh only ever touch a lock this instance
// took.
type Mutex struct {
	kv     *kvstream.Client
	key    string
	holder string
	ttl    time.Duration
}

// NewMutex creates a mutex on the named lock with a fresh holder id.
func NewMutex(kv *kvstream.Client, name string, ttl time.Duration) *Mutex {
	return &Mutex{
		kv:     kv,
		key:    kvstream.MutexKey(name),
		holder: uuid.NewString(),
		ttl:    ttl,
	}
}

// TryAcquire attempts a single non-blocking acquisition.
func (m *Mutex) TryAcquire(ctx context.Context) (bool, error) {
	return m.kv.AcquireLock(ctx, m.key, m.holder, m.ttl)
}

// Acquire takes the lock, polling every 500 ms until waitTimeout elapses.
// waitTimeout <= 0 degenerates to a single attempt.
func (m *Mutex) Acquire(ctx context.Context, waitTimeout time.Duration) error {
	ok, err := m.TryAcquire(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if waitTimeout <= 0 {
		return fmt.Errorf("%w: %s", ErrLockNotAcquired, m.key)
	}

	deadline := time.Now().Add(waitTimeout)
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ok, err := m.TryAcquire(ctx)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("%w: %s after %s", ErrLockNotAcquired, m.key, waitTimeout)
			}
		}
	}
}

// Release drops the lock if this instance still holds it.
func (m *Mutex) Release(ctx context.Context) error {
	_, err := m.kv.ReleaseLock(ctx, m.key, m.holder)
	return err
}

// Do acquires the lock, runs fn, and releases on every exit path.
func (m *Mutex) Do(ctx context.Context, waitTimeout time.Duration, fn func(ctx context.Context) error) error {
	if err := m.Acquire(ctx, waitTimeout); err != nil {
		return err
	}
	defer func() {
		// Release on a fresh context so cancellation cannot leak the lock.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = m.Release(releaseCtx)
	}()
	return fn(ctx)
}
