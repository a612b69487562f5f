package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/ratelimit"
)

func TestBucketBurstCapacity(t *testing.T) {
	b := ratelimit.NewBucket(config.RateLimitConfig{Requests: 10, Window: time.Second})
	for i := 0; i < 15; i++ {
		_ = b.Consume()
	}
	assert.False(t, b.Consume(), "bucket should be exhausted past its burst capacity of 15")
}

func TestBucketRefillsOverTime(t *testing.T) {
	b := ratelimit.NewBucket(config.RateLimitConfig{Requests: 100, Window: time.Second})
	for b.Consume() {
	}
	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Consume(), "bucket should have refilled at least one token after 20ms at 100/s")
}

func TestLimiterUnconfiguredClassAlwaysAllowed(t *testing.T) {
	l := ratelimit.NewLimiter(map[string]config.RateLimitConfig{})
	assert.True(t, l.Allow("unknown-class"))
	assert.True(t, l.Allow("unknown-class"))
}

func TestLimiterPerClassIsolation(t *testing.T) {
	l := ratelimit.NewLimiter(map[string]config.RateLimitConfig{
		"a": {Requests: 1, Window: time.Hour},
	})
	assert.True(t, l.Allow("a"))
	// burst = ceil(1*1.5) = 2, so a second immediate call still succeeds.
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
}
