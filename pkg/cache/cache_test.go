package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poigraph/corepipeline/pkg/cache"
	"github.com/poigraph/corepipeline/pkg/collab"
)

func newTestRedisClient(t *testing.T) *cache.RedisClient {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRedisClientFrom(client)
}

func TestRedisClientSetGetRoundTrip(t *testing.T) {
	var _ collab.CacheClient = (*cache.RedisClient)(nil)

	c := newTestRedisClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "run:42:status", "processing", time.Minute))

	val, ok, err := c.Get(ctx, "run:42:status")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "processing", val)
}

func TestRedisClientGetMissReturnsFalseNotError(t *testing.T) {
	c := newTestRedisClient(t)
	_, ok, err := c.Get(context.Background(), "no-such-key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisClientDelete(t *testing.T) {
	c := newTestRedisClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNoOpAlwaysMissesAndNeverFails(t *testing.T) {
	var _ collab.CacheClient = cache.NoOp{}

	n := cache.NoOp{}
	ctx := context.Background()

	require.NoError(t, n.Set(ctx, "k", "v", time.Minute))
	_, ok, err := n.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, n.Delete(ctx, "k"))
}
