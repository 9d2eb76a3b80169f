package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/healingcredits/pkg/ledger"
	"github.com/redis/go-redis/v9"
)

var (
	errMissingRedisClient = errors.New("events: redis client is nil")
	errMissingChannel     = errors.New("events: redis channel is empty")
)

// RedisPublisher pushes BalanceChanged events to a pub/sub channel for connected clients.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher wraps a redis client.
func NewRedisPublisher(client redis.UniversalClient, channel string) (*RedisPublisher, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	if strings.TrimSpace(channel) == "" {
		return nil, errMissingChannel
	}
	return &RedisPublisher{client: client, channel: strings.TrimSpace(channel)}, nil
}

// Publish sends the event. Delivery is fire-and-forget: subscribers that are not connected miss it.
func (publisher *RedisPublisher) Publish(ctx context.Context, event ledger.BalanceChanged) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis encode: %w", err)
	}
	if err := publisher.client.Publish(ctx, publisher.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Channel returns the pub/sub channel name.
func (publisher *RedisPublisher) Channel() string {
	return publisher.channel
}
