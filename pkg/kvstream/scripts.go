package kvstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock scripts. Acquire and release are single round-trip compare-and-set /
// compare-and-delete so two instances can never both hold the same lock.
// Acquire is idempotent for the current holder: re-acquiring refreshes the
// TTL instead of failing.

var acquireScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
if v == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// AcquireLock sets key to holder with the given TTL iff the key is absent or
// already held by holder. Returns true when the lock is held on return.
func (c *Client) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	res, err := acquireScript.Run(ctx, c.rdb, []string{key}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return res == 1, nil
}

// ReleaseLock deletes key only if holder still owns it. Returns true when
// the delete happened.
func (c *Client) ReleaseLock(ctx context.Context, key, holder string) (bool, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	res, err := releaseScript.Run(ctx, c.rdb, []string{key}, holder).Int()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	return res == 1, nil
}

// RefreshLock extends the TTL only if holder still owns the key. Returns
// false when ownership was lost.
func (c *Client) RefreshLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	res, err := refreshScript.Run(ctx, c.rdb, []string{key}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh lock %s: %w", key, err)
	}
	return res == 1, nil
}

// LockHolder returns the current holder of key, or "" when unlocked.
func (c *Client) LockHolder(ctx context.Context, key string) (string, error) {
	holder, err := c.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return holder, nil
}
