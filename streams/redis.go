package streams

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	healthStream    = "health:calsync:boot"
	healthMaxLen    = 10
)

// Init connects to redisURL (falls back to localhost) and verifies XADD/XREAD support
// so the sync status feed can rely on streams APIs.
func Init(ctx context.Context, redisURL string) (*redis.Client, error) {
	client, err := NewClient(redisURL)
	if err != nil {
		return nil, err
	}

	if err := verifyStreamOps(ctx, client); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// NewClient parses redisURL without connecting.
func NewClient(redisURL string) (*redis.Client, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		url = defaultRedisURL
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid REDIS_URL %q: %w", url, err)
	}
	return redis.NewClient(opts), nil
}

func verifyStreamOps(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping failed: %w", err)
	}

	msgID, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: healthStream,
		MaxLen: healthMaxLen,
		Approx: true,
		Values: map[string]any{
			"msg": "redis-online-check",
			"ts":  time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("redis: XADD failed: %w", err)
	}

	entries, err := client.XRange(ctx, healthStream, msgID, msgID).Result()
	if err != nil {
		return fmt.Errorf("redis: XRANGE failed: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("redis: XRANGE returned no entry for %s", msgID)
	}
	return nil
}
