package health_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/health"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []health.Alert
}

func (r *recordingSink) Fire(ctx context.Context, a health.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func (r *recordingSink) countFor(typ, subject string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Type == typ && a.Subject == subject {
			n++
		}
	}
	return n
}

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		GlobalInterval:       20 * time.Millisecond,
		WorkerHealthInterval: time.Hour,
		DependencyInterval:   20 * time.Millisecond,
		DependencyTimeout:    time.Second,
		UnhealthyThreshold:   2,
		RecoveryThreshold:    2,
		AlertCooldown:        time.Hour,
	}
}

func TestDependencyProbeFailureFiresAlertOnce(t *testing.T) {
	sink := &recordingSink{}
	recovered := false
	probe := health.DependencyProbe{
		Name: "store",
		Probe: func(ctx context.Context) error {
			return errors.New("boom")
		},
		Recover: func(ctx context.Context) error {
			recovered = true
			return nil
		},
	}
	m := health.NewMonitor(testHealthConfig(), nil, []health.DependencyProbe{probe}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() { cancel(); m.Stop() })

	require.Eventually(t, func() bool { return sink.count() >= 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, recovered)

	firstCount := sink.countFor("dependency", "store")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, firstCount, sink.countFor("dependency", "store"), "cooldown must suppress repeat alerts for the same (type, subject)")
}

func TestDependencyRecoveryClearsUnhealthyStatus(t *testing.T) {
	sink := &recordingSink{}
	healthy := false
	probe := health.DependencyProbe{
		Name: "store",
		Probe: func(ctx context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("boom")
		},
	}
	m := health.NewMonitor(testHealthConfig(), nil, []health.DependencyProbe{probe}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() { cancel(); m.Stop() })

	require.Eventually(t, func() bool {
		return m.DependencyStatuses()["store"].Status == health.StatusUnhealthy
	}, time.Second, 5*time.Millisecond)

	healthy = true
	require.Eventually(t, func() bool {
		return m.DependencyStatuses()["store"].Status == health.StatusHealthy
	}, time.Second, 5*time.Millisecond)
}

func TestGlobalStatusRequiresConsecutiveFailuresBeforeAlerting(t *testing.T) {
	cfg := testHealthConfig()
	cfg.UnhealthyThreshold = 3
	sink := &recordingSink{}
	probe := health.DependencyProbe{
		Name:  "store",
		Probe: func(ctx context.Context) error { return errors.New("down") },
	}
	m := health.NewMonitor(cfg, nil, []health.DependencyProbe{probe}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() { cancel(); m.Stop() })

	require.Eventually(t, func() bool {
		return m.Global().Status == health.StatusUnhealthy
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, m.Global().ConsecutiveFailures, 3)
}
