// Package cache keeps tool schema lists fetched from the tool gateway in Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/cot-agent/internal/plugin"
)

const keyPrefix = "cot:"

// Redis is a byte cache backed by a Redis client.
type Redis struct {
	rdb    *redis.Client
	logger *zap.Logger
}

var _ plugin.SchemaCache = (*Redis)(nil)

// NewRedis connects to redisURL and checks the connection.
func NewRedis(ctx context.Context, redisURL string, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Redis connected", zap.String("addr", opts.Addr))
	return &Redis{rdb: rdb, logger: logger}, nil
}

// Get returns the cached value. A missing key is not an error.
func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return b, true, nil
}

// Set stores value for ttl. A zero ttl keeps the key forever.
func (c *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	c.logger.Debug("cached", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

// Delete removes keys.
func (c *Redis) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = keyPrefix + k
	}
	if err := c.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (c *Redis) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (c *Redis) Close() error {
	return c.rdb.Close()
}
