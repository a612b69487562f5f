// Package ratelimit implements the per-worker-class token bucket
// RateLimiter (spec §4.4): lazy refill, no background timer, and
// fractional-token consumption so a request needing half a token can still
// go through when the bucket sits in [0.5, 1).
package ratelimit

import (
	"sync"
	"time"

	"github.com/poigraph/corepipeline/pkg/config"
)

// Bucket is a single token bucket. Refill happens lazily inside Consume,
// never on a ticking goroutine — this is hand-rolled rather than built on a
// third-party limiter because the spec's fractional-consume semantics
// (§4.4: "may consume a fractional (0.5) token when tokens ∈ [0.5, 1)")
// have no equivalent in golang.org/x/time/rate or the examples' libraries,
// which only ever hand out whole tokens.
type Bucket struct {
	mu sync.Mutex

	refillPerSec float64
	burst        float64

	tokens     float64
	lastRefill time.Time
}

// NewBucket builds a Bucket from a RateLimitConfig: requests refill over
// window, and burstCapacity = ceil(requests * 1.5) per spec §4.4.
func NewBucket(cfg config.RateLimitConfig) *Bucket {
	refillPerSec := float64(cfg.Requests) / cfg.Window.Seconds()
	burst := ceil(float64(cfg.Requests) * 1.5)
	return &Bucket{
		refillPerSec: refillPerSec,
		burst:        burst,
		tokens:       burst,
		lastRefill:   time.Now(),
	}
}

func ceil(f float64) float64 {
	i := float64(int64(f))
	if f > i {
		return i + 1
	}
	return i
}

// Consume reports whether at least one token (or, in the [0.5, 1) band, a
// fractional half-token) is available, and deducts it. Refill is computed
// from elapsed wall-clock time at call time.
func (b *Bucket) Consume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	b.tokens += elapsed * b.refillPerSec
	if b.tokens > b.burst {
		b.tokens = b.burst
	}

	switch {
	case b.tokens >= 1:
		b.tokens -= 1
		return true
	case b.tokens >= 0.5:
		b.tokens -= 0.5
		return true
	default:
		return false
	}
}

// Available reports the current token count without consuming, refilling
// first — useful for WorkerPoolManager's adaptive scaling decisions.
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	b.tokens += elapsed * b.refillPerSec
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	return b.tokens
}

// Limiter holds one Bucket per worker class.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	cfg     map[string]config.RateLimitConfig
}

// NewLimiter builds a Limiter over the configured per-class rate limits.
func NewLimiter(cfg map[string]config.RateLimitConfig) *Limiter {
	return &Limiter{buckets: make(map[string]*Bucket), cfg: cfg}
}

// Allow reports whether class may proceed right now, creating its bucket
// from config on first use. Classes with no configured limit are always
// allowed.
func (l *Limiter) Allow(class string) bool {
	l.mu.Lock()
	b, ok := l.buckets[class]
	if !ok {
		rl, hasLimit := l.cfg[class]
		if !hasLimit {
			l.mu.Unlock()
			return true
		}
		b = NewBucket(rl)
		l.buckets[class] = b
	}
	l.mu.Unlock()

	return b.Consume()
}
