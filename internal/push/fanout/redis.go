// Package fanout relays push-bus room broadcasts across instances over
// Redis pub/sub, so a dispatcher replica's events reach connections held by
// another process.
package fanout

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channel = "push:fanout"

// envelope is the cross-instance wire shape
type envelope struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

// LocalDeliverer is the hub-side half: deliver to local subscribers only
type LocalDeliverer interface {
	DeliverLocal(ctx context.Context, room, eventType string, data interface{})
}

// RedisFanout publishes room events to Redis and mirrors remote events into
// the local hub
type RedisFanout struct {
	client   *redis.Client
	logger   *zap.Logger
	instance string
	cancel   context.CancelFunc
}

// NewRedisFanout creates the relay. instance must be unique per process so a
// publisher can skip its own messages.
func NewRedisFanout(client *redis.Client, instance string, logger *zap.Logger) *RedisFanout {
	return &RedisFanout{client: client, instance: instance, logger: logger}
}

// Publish relays one room event to every other instance
func (f *RedisFanout) Publish(ctx context.Context, room, eventType string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		Origin: f.instance,
		Room:   room,
		Type:   eventType,
		Data:   raw,
	})
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, channel, payload).Err()
}

// Start subscribes to the fanout channel and mirrors remote events into the
// local hub until Stop is called
func (f *RedisFanout) Start(ctx context.Context, hub LocalDeliverer) {
	ctx, f.cancel = context.WithCancel(ctx)
	sub := f.client.Subscribe(ctx, channel)

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					f.logger.Warn("malformed fanout envelope", zap.Error(err))
					continue
				}
				if env.Origin == f.instance {
					continue
				}
				hub.DeliverLocal(ctx, env.Room, env.Type, env.Data)
			}
		}
	}()
}

// Stop terminates the subscriber loop
func (f *RedisFanout) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
}
