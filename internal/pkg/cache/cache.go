// Package cache keeps terminal job statuses and rate limit counters in redis
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/redis/go-redis/v9"
)

// Redis wraps redis client
type Redis struct {
	client *redis.Client
}

// NewRedis creates client from redis URL
func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("can't parse redis url: %w", err)
	}
	goapp.Log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("redis")
	return &Redis{client: redis.NewClient(opts)}, nil
}

// Live pings redis
func (c *Redis) Live(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client
func (c *Redis) Close() error {
	return c.client.Close()
}

// GetStatus returns cached status document
func (c *Redis) GetStatus(ctx context.Context, id string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, StatusKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("can't get status: %w", err)
	}
	return val, true, nil
}

// SetStatus caches status document
func (c *Redis) SetStatus(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, StatusKey(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("can't set status: %w", err)
	}
	return nil
}

// Allow counts a call in the fixed window and reports if the limit is not exceeded
func (c *Redis) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	n, err := c.incrWithExpiry(ctx, RateLimitKey(key), window)
	if err != nil {
		return false, fmt.Errorf("can't count call: %w", err)
	}
	return n <= limit, nil
}

func (c *Redis) incrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// StatusKey is the key of a cached job status
func StatusKey(id string) string {
	return "scribe:status:" + id
}

// RateLimitKey is the key of a rate limit counter
func RateLimitKey(key string) string {
	return "scribe:ratelimit:" + key
}
