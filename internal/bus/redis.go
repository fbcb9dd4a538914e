package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/aidchain/orchestrator/internal/logging"
)

// RedisRelay mirrors every Publish onto a Redis pub/sub channel, and
// forwards inbound messages from other orchestrator replicas back into the
// local Bus. It is optional: a single-replica deployment runs with a nil
// relay and the in-process Bus alone (§9, DOMAIN STACK: "falling back to
// the in-process ring bus when unset").
type RedisRelay struct {
	client  *redis.Client
	channel string
	local   *Bus
	log     logging.Logger
}

// NewRedisRelay wraps an already-configured redis.Client.
func NewRedisRelay(client *redis.Client, channel string, local *Bus, log logging.Logger) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, local: local, log: log.WithComponent("bus.redis")}
}

// Publish mirrors ev onto the shared channel; local subscribers are reached
// by the caller's own Bus.Publish, this is peer-replica fan-out only.
func (r *RedisRelay) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal event for redis relay: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("bus: publish to redis: %w", err)
	}
	return nil
}

// Run subscribes to the shared channel and republishes every message onto
// the local Bus until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.log.Warn().Err(err).Msg("dropping malformed relayed event")
				continue
			}
			r.local.publishLocal(ev)
		}
	}
}
