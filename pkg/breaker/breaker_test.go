package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poigraph/corepipeline/pkg/breaker"
	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/corerr"
)

func TestRunPassesThroughOnSuccess(t *testing.T) {
	r := breaker.NewRegistry(config.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Millisecond})
	err := r.Run(context.Background(), "llm", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}

func TestOpensAfterThreshold(t *testing.T) {
	r := breaker.NewRegistry(config.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: 20 * time.Millisecond})
	boom := errors.New("boom")
	fail := func(ctx context.Context) error { return boom }

	_ = r.Run(context.Background(), "llm", fail)
	_ = r.Run(context.Background(), "llm", fail)

	err := r.Run(context.Background(), "llm", func(ctx context.Context) error {
		t.Fatal("fn should not run while circuit is open")
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, corerr.ErrCircuitOpen)
}

func TestHalfOpenProbeSucceedsRecoversToClosed(t *testing.T) {
	r := breaker.NewRegistry(config.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})
	boom := errors.New("boom")

	_ = r.Run(context.Background(), "store", func(ctx context.Context) error { return boom })

	err := r.Run(context.Background(), "store", func(ctx context.Context) error { return boom })
	require.Error(t, err)
	assert.ErrorIs(t, err, corerr.ErrCircuitOpen)

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, r.Run(context.Background(), "store", func(ctx context.Context) error { return nil }))
	require.NoError(t, r.Run(context.Background(), "store", func(ctx context.Context) error { return nil }))
}
