package pubsub

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements interfaces.PubSubBus over Redis PUBLISH/SUBSCRIBE,
// letting multiple broker processes share one PSB instead of each holding
// an isolated in-process Bus. Selected by the operator via config when
// running more than one broker instance against the same MI.
type RedisBus struct {
	client redis.UniversalClient
}

// NewRedisBus wraps an already-connected Redis client for PSB fan-out.
// It is safe to share the same client used for the Metadata Index.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client}
}

// Publish sends data to channel and returns the number of subscribers Redis
// reports received it.
func (b *RedisBus) Publish(ctx context.Context, channel string, data []byte) (int, error) {
	n, err := b.client.Publish(ctx, channel, data).Result()
	return int(n), err
}

// Subscribe registers a Redis subscription on channel and returns a
// receive-only channel of payload bytes plus an unsubscribe function.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := b.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan []byte, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-done:
					return
				}
			}
		}
	}()

	var closed bool
	unsubscribe := func() {
		if closed {
			return
		}
		closed = true
		close(done)
		_ = sub.Close()
	}
	return out, unsubscribe, nil
}
