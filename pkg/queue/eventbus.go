package queue

import (
	"context"
	"encoding/json"

	"arkgw/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventBus wraps a Redis client for fire-and-forget PUBLISH/SUBSCRIBE
// notifications: publishing is non-blocking, and a slow or absent subscriber
// never blocks the publisher. This is a different Redis usage than
// StreamQueue: streams are a durable, acknowledged job queue, pub/sub here is
// best-effort broadcast with no persistence and no consumer groups.
type EventBus struct {
	client *redis.Client
}

func NewEventBus(client *redis.Client) *EventBus {
	return &EventBus{client: client}
}

// Publish marshals payload to JSON and publishes it on channel. Errors are
// logged, not propagated: a publish failure must never fail the caller's
// underlying operation (the invoice was still paid, the session still
// transitioned).
func (b *EventBus) Publish(ctx context.Context, channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal event payload", zap.String("channel", channel), zap.Error(err))
		return
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		logger.Warn("failed to publish event", zap.String("channel", channel), zap.Error(err))
	}
}

// Subscribe returns a Redis pub/sub subscription on channel. Callers read
// from Channel() until ctx is cancelled, then should call Close.
func (b *EventBus) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return b.client.Subscribe(ctx, channel)
}
