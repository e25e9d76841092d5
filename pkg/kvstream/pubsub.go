package kvstream

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publish sends a message to a channel. Returns the number of subscribers
// that received it.
func (c *Client) Publish(ctx context.Context, channel, message string) (int64, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.rdb.Publish(ctx, channel, message).Result()
	if err != nil {
		return 0, fmt.Errorf("redis PUBLISH %s: %w", channel, err)
	}
	return n, nil
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription. Close it to release the
// connection; Messages is closed afterwards.
type Subscription struct {
	ps  *redis.PubSub
	ch  chan Message
	ctx context.Context
}

// Subscribe opens a subscription on the given channels. The returned
// subscription confirms server-side registration before returning, so a
// publish after Subscribe returns is guaranteed to be delivered.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	ps := c.rdb.Subscribe(ctx, channels...)

	// Receive forces the SUBSCRIBE round-trip so we fail fast if the
	// server is unreachable.
	confirmCtx, cancel := c.opCtx(ctx)
	defer cancel()
	if _, err := ps.Receive(confirmCtx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis SUBSCRIBE %v: %w", channels, err)
	}

	sub := &Subscription{ps: ps, ch: make(chan Message, 64), ctx: ctx}
	go sub.pump()
	return sub, nil
}

func (s *Subscription) pump() {
	defer close(s.ch)
	src := s.ps.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-src:
			if !ok {
				return
			}
			select {
			case s.ch <- Message{Channel: msg.Channel, Payload: msg.Payload}:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// Messages returns the delivery channel.
func (s *Subscription) Messages() <-chan Message {
	return s.ch
}

// Close terminates the subscription.
func (s *Subscription) Close() error {
	return s.ps.Close()
}
