// Package cache implements collab.CacheClient: a Redis-backed
// implementation for run-status/queue-hint metadata, and a no-op variant
// for deployments with no cache configured. The core must tolerate total
// loss of this layer (spec §6). RedisClient reports a missing key as a
// miss ("", false, nil) and returns any other go-redis failure as a
// wrapped error; it logs nothing. NoOp never fails.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient implements collab.CacheClient over go-redis/v9.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient parses url (a redis:// connection string) and verifies
// connectivity with a bounded ping, grounded on the same
// parse-then-ping-then-wrap shape used across the retrieval pack's own
// Redis repositories.
func NewRedisClient(ctx context.Context, url string) (*RedisClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("cache: connect to redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// NewRedisClientFrom wraps an already-constructed *redis.Client (used by
// tests against miniredis, and by callers that share a connection pool
// across components).
func NewRedisClientFrom(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

// Get implements collab.CacheClient.
func (c *RedisClient) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: get %q: %w", key, err)
	}
	return val, true, nil
}

// Set implements collab.CacheClient. ttl of 0 means no expiry.
func (c *RedisClient) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %q: %w", key, err)
	}
	return nil
}

// Delete implements collab.CacheClient.
func (c *RedisClient) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: delete %q: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *RedisClient) Close() error {
	return c.client.Close()
}

// NoOp implements collab.CacheClient as a total no-op: every Get reports a
// miss, every Set/Delete succeeds without doing anything. Used when no
// cache is configured, so callers never need a nil check.
type NoOp struct{}

// Get implements collab.CacheClient.
func (NoOp) Get(ctx context.Context, key string) (string, bool, error) { return "", false, nil }

// Set implements collab.CacheClient.
func (NoOp) Set(ctx context.Context, key string, value string, ttl time.Duration) error { return nil }

// Delete implements collab.CacheClient.
func (NoOp) Delete(ctx context.Context, key string) error { return nil }
