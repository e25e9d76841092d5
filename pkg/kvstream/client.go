// Package kvstream wraps Redis for the run-execution data plane: short-lived
// keys (locks, heartbeats, idempotency markers), append-only event streams,
// and pub/sub control channels.
//
// Every operation carries a client-side deadline and transient failures are
// retried with exponential backoff inside the driver, so callers see either
// a result or a terminal error. Key construction lives in keys.go so every
// component derives the same names.
package kvstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int

	// OpTimeout is the per-operation client-side deadline.
	OpTimeout time.Duration

	// MaxRetries bounds transparent retries of transient failures.
	MaxRetries int
}

// LoadConfigFromEnv loads Redis configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	db, err := strconv.Atoi(getEnvOrDefault("REDIS_DB", "0"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	poolSize, _ := strconv.Atoi(getEnvOrDefault("REDIS_POOL_SIZE", "10"))

	return Config{
		Addr:       getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		Password:   os.Getenv("REDIS_PASSWORD"),
		DB:         db,
		PoolSize:   poolSize,
		OpTimeout:  3 * time.Second,
		MaxRetries: 3,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Client is the process-wide Redis handle.
type Client struct {
	rdb       *redis.Client
	opTimeout time.Duration
}

// NewClient connects and verifies the connection with a ping.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 3 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     cfg.OpTimeout,
		WriteTimeout:    cfg.OpTimeout,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	slog.Info("Connected to Redis", "addr", cfg.Addr, "db", cfg.DB)
	return &Client{rdb: rdb, opTimeout: cfg.OpTimeout}, nil
}

// NewClientFromRedis wraps an existing go-redis client (used by tests).
func NewClientFromRedis(rdb *redis.Client, opTimeout time.Duration) *Client {
	if opTimeout <= 0 {
		opTimeout = 3 * time.Second
	}
	return &Client{rdb: rdb, opTimeout: opTimeout}
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// opCtx bounds one operation with the client-side deadline.
func (c *Client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

// Get returns the string value of key, or ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("redis GET %s: %w", key, err)
	}
	return val, nil
}

// Set writes key=value with an optional TTL (0 = no expiry).
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

// SetNX writes key=value with a TTL only if the key does not exist.
// Returns true when the write happened.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX %s: %w", key, err)
	}
	return ok, nil
}

// Delete removes keys. Missing keys are not an error.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis DEL: %w", err)
	}
	return nil
}

// Expire sets a TTL on an existing key. Returns false if the key is gone.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	ok, err := c.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis EXPIRE %s: %w", key, err)
	}
	return ok, nil
}

// Incr atomically increments the integer at key and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis INCR %s: %w", key, err)
	}
	return n, nil
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis EXISTS %s: %w", key, err)
	}
	return n > 0, nil
}

// Healthy pings the server within the op deadline. Backpressure decisions
// key off this without aborting the caller.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.rdb.Ping(ctx).Err() == nil
}

// Raw exposes the underlying go-redis client for consumer-group and script
// operations that the wrapper does not model.
func (c *Client) Raw() *redis.Client {
	return c.rdb
}
