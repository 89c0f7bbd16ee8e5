package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const publishTimeout = 500 * time.Millisecond

// RedisBus carries events between the worker and the API process over a Redis channel.
type RedisBus struct {
	client         *redis.Client
	channel        string
	logger         *slog.Logger
	publishTimeout time.Duration
}

// NewRedisBus creates a bus publishing on channel.
func NewRedisBus(client *redis.Client, channel string, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, channel: channel, logger: logger, publishTimeout: publishTimeout}
}

// Emit publishes the event within a short deadline. Failures are logged; an unreachable
// Redis never stalls the caller for longer than that deadline.
func (b *RedisBus) Emit(ctx context.Context, name string, payload any) {
	ev, err := newEvent(name, payload)
	if err != nil {
		b.logger.WarnContext(ctx, "encode event", "event", name, "error", err)
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		b.logger.WarnContext(ctx, "encode envelope", "event", name, "error", err)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()
	if err := b.client.Publish(pctx, b.channel, raw).Err(); err != nil {
		b.logger.WarnContext(ctx, "publish event", "event", name, "error", err)
	}
}

// Relay subscribes to the channel and republishes every envelope into hub until ctx is done.
func (b *RedisBus) Relay(ctx context.Context, hub *Hub) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.WarnContext(ctx, "decode event envelope", "error", err)
				continue
			}
			hub.Publish(ev)
		}
	}
}

// Fanout emits to several emitters.
type Fanout []Emitter

func (f Fanout) Emit(ctx context.Context, name string, payload any) {
	for _, e := range f {
		e.Emit(ctx, name, payload)
	}
}
