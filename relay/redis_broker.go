package relay

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// RedisBroker is a Broker backed by Redis pub/sub.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker creates a Broker on top of an existing Redis client. The
// caller keeps ownership of the client and closes it.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	broker := NewRedisBroker(client)
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Ping checks that the Redis server is reachable.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	return nil
}

// Publish sends payload to channel with PUBLISH.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	return nil
}

// Subscribe issues SUBSCRIBE and waits for the server's confirmation, so the
// subscription sees every message published after Subscribe returns.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	return &redisSubscription{ps: ps}, nil
}

type redisSubscription struct {
	ps     *redis.PubSub
	closed atomic.Bool
}

func (s *redisSubscription) Receive(ctx context.Context) ([]byte, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		if s.closed.Load() {
			return nil, ErrSubscriptionClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("redis receive: %w", err)
	}

	return []byte(msg.Payload), nil
}

func (s *redisSubscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	return s.ps.Close()
}
