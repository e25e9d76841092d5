package kvstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamEntry is one stream record: the Redis-assigned id plus field map.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// StreamAppend appends fields to the stream at key with approximate trimming
// to maxLen (0 disables trimming). Returns the assigned entry id.
func (c *Client) StreamAppend(ctx context.Context, key string, fields map[string]any, maxLen int64) (string, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: key,
		Values: fields,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := c.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("redis XADD %s: %w", key, err)
	}
	return id, nil
}

// StreamRange reads up to count entries after sinceID (exclusive). Pass
// sinceID "" to read from the beginning. Callers page by feeding the last
// returned id back in.
func (c *Client) StreamRange(ctx context.Context, key, sinceID string, count int64) ([]StreamEntry, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	start := "-"
	if sinceID != "" {
		// "(" prefix makes the bound exclusive.
		start = "(" + sinceID
	}
	msgs, err := c.rdb.XRangeN(ctx, key, start, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("redis XRANGE %s: %w", key, err)
	}

	entries := make([]StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, toEntry(m))
	}
	return entries, nil
}

// StreamLen returns the current length of the stream.
func (c *Client) StreamLen(ctx context.Context, key string) (int64, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.rdb.XLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis XLEN %s: %w", key, err)
	}
	return n, nil
}

// StreamDelete removes entries by id. Missing ids are not an error.
func (c *Client) StreamDelete(ctx context.Context, key string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.XDel(ctx, key, ids...).Err(); err != nil {
		return fmt.Errorf("redis XDEL %s: %w", key, err)
	}
	return nil
}

// GroupCreate creates a consumer group reading from the start of the stream,
// creating the stream if it does not exist. Safe to call on every boot: an
// existing group is not an error.
func (c *Client) GroupCreate(ctx context.Context, key, group string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	err := c.rdb.XGroupCreateMkStream(ctx, key, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis XGROUP CREATE %s %s: %w", key, group, err)
	}
	return nil
}

// GroupRead blocks up to block for new entries delivered to this consumer.
// Returns nil when the block expires with nothing to read.
func (c *Client) GroupRead(ctx context.Context, key, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error) {
	// The deadline must outlast the server-side block, so the usual op
	// timeout pads it instead of replacing it.
	ctx, cancel := context.WithTimeout(ctx, block+c.opTimeout)
	defer cancel()

	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis XREADGROUP %s: %w", key, err)
	}

	var entries []StreamEntry
	for _, s := range res {
		for _, m := range s.Messages {
			entries = append(entries, toEntry(m))
		}
	}
	return entries, nil
}

// GroupAck acknowledges delivered entries so they leave the group's pending
// list.
func (c *Client) GroupAck(ctx context.Context, key, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.XAck(ctx, key, group, ids...).Err(); err != nil {
		return fmt.Errorf("redis XACK %s: %w", key, err)
	}
	return nil
}

// GroupAutoClaim transfers entries that have sat unacknowledged for at least
// minIdle to this consumer. Used to pick up deliveries from a consumer that
// died mid-job.
func (c *Client) GroupAutoClaim(ctx context.Context, key, group, consumer string, minIdle time.Duration, count int64) ([]StreamEntry, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   key,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis XAUTOCLAIM %s: %w", key, err)
	}

	entries := make([]StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, toEntry(m))
	}
	return entries, nil
}

func toEntry(m redis.XMessage) StreamEntry {
	fields := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
		} else {
			fields[k] = fmt.Sprint(v)
		}
	}
	return StreamEntry{ID: m.ID, Fields: fields}
}
