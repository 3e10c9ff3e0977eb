package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/xtrntr/spotex/internal/models"
)

const defaultRedisPrefix = "spotex:"

// RedisNotifier publishes each notification on the private channel of
// every recipient, for gateways running in other processes.
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

func NewRedisNotifier(client *redis.Client, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisNotifier{client: client, prefix: prefix}
}

// UserChannel is the channel a user's notifications are published on.
func (r *RedisNotifier) UserChannel(userID int64) string {
	return r.prefix + "user." + strconv.FormatInt(userID, 10)
}

func (r *RedisNotifier) Notify(ctx context.Context, n models.Notification) error {
	data, err := json.Marshal(Event{Event: EventOrderMatched, Data: n})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	for _, userID := range n.Recipients() {
		if err := r.client.Publish(ctx, r.UserChannel(userID), data).Err(); err != nil {
			return fmt.Errorf("redis publish user %d: %w", userID, err)
		}
	}
	return nil
}
