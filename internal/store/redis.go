package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to the coordination service shared by all
// gateway instances: grant cache, sequence counters, presence state,
// rate-limit buckets and the pub/sub bus all live behind this client.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return client, nil
}
