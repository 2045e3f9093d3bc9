package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"stageline/internal/domain"
)

// Publisher is the subset of *redis.Client the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis publishes every event as JSON on a pub/sub channel.
type Redis struct {
	Client  Publisher
	Channel string
}

func NewRedis(addr, channel string) *Redis {
	return &Redis{
		Client:  redis.NewClient(&redis.Options{Addr: addr}),
		Channel: channel,
	}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Notify(ctx context.Context, evt domain.WorkflowEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := r.Client.Publish(ctx, r.Channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", r.Channel, err)
	}
	return nil
}

// Close releases the underlying client when it owns one.
func (r *Redis) Close() error {
	if c, ok := r.Client.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}
