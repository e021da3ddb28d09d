package chat

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the Redis channel shared by every hub instance.
const DefaultChannel = "meetup:events"

// Bus carries frames between hub instances. Publish must preserve the
// order of calls made from a single goroutine.
type Bus interface {
	Publish(ctx context.Context, f frame) error
	// Subscribe returns a channel of frames published by any instance. The
	// channel is closed when ctx is done.
	Subscribe(ctx context.Context) (<-chan frame, error)
}

// LocalBus loops frames back into the same process.
type LocalBus struct {
	ch chan frame
}

func NewLocalBus(buffer int) *LocalBus {
	return &LocalBus{ch: make(chan frame, buffer)}
}

func (b *LocalBus) Publish(ctx context.Context, f frame) error {
	select {
	case b.ch <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBus) Subscribe(ctx context.Context) (<-chan frame, error) {
	out := make(chan frame)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-b.ch:
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// RedisBus fans frames out to every instance subscribed to the channel.
type RedisBus struct {
	redis   *redis.Client
	channel string
	log     *zap.Logger
}

func NewRedisBus(client *redis.Client, channel string, log *zap.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{redis: client, channel: channel, log: log}
}

func (b *RedisBus) Publish(ctx context.Context, f frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan frame, error) {
	pubsub := b.redis.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation so no frame published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan frame)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var f frame
				if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
					b.log.Warn("dropping malformed bus frame", zap.Error(err))
					continue
				}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
