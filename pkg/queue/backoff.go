package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/poigraph/corepipeline/pkg/config"
)

// Backoff computes the delay to pass to Broker.Nack for a job that has
// just failed its attempts-th attempt: exponential with jitter, per spec
// §4.2 ("base 2s, factor 2, ±20% jitter"). Grounded in the teacher's
// Worker.pollInterval jitter pattern, generalized from a fixed poll
// interval to a per-attempt exponential one via cenkalti/backoff/v4.
func Backoff(cfg config.QueueConfig, attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.Multiplier = cfg.BackoffFactor
	b.RandomizationFactor = cfg.JitterFraction
	b.MaxElapsedTime = 0
	// NewExponentialBackOff already reset to the library's default initial
	// interval; reset again so the first delay starts from cfg.BaseDelay.
	b.Reset()

	d := cfg.BaseDelay
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = cfg.BaseDelay
	}
	return d
}
