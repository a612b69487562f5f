// Package pool implements the WorkerPoolManager (spec §4.5): hard global
// concurrency ceiling, per-class admission control, and adaptive scaling
// driven by utilization, error rate, response time, and system resource
// pressure.
package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/poigraph/corepipeline/pkg/breaker"
	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/corerr"
	"github.com/poigraph/corepipeline/pkg/ratelimit"
)

// hardGlobalCeiling is enforced regardless of configuration (spec §4.5:
// "global in-flight ≤ 150, enforced regardless of configuration").
const hardGlobalCeiling = 150

// Sentinel errors identifying which admission check rejected a slot
// request. The capacity and rate-limit checks are throttling and return
// Transient errors (retry later); ErrUnknownClass is returned as a Domain
// error, since retrying cannot register the class.
var (
	ErrGlobalCeiling = errors.New("global concurrency ceiling reached")
	ErrGlobalCap     = errors.New("configured global concurrency cap reached")
	ErrClassCap      = errors.New("worker class concurrency cap reached")
	ErrRateLimited   = errors.New("worker class rate limited")
	ErrUnknownClass  = errors.New("unknown worker class")
)

// classState is one registered worker class's live counters and scaling
// bounds.
type classState struct {
	name     string
	priority int
	min      int
	max      int

	concurrency int // current admission cap; adjusted only by the scaler
	activeJobs  int

	// window accumulates since the last adaptive-scaling tick.
	calls        int
	errors       int
	totalElapsed time.Duration
}

func (c *classState) utilization() float64 {
	if c.concurrency == 0 {
		return 0
	}
	return float64(c.activeJobs) / float64(c.concurrency)
}

func (c *classState) errorRate() float64 {
	if c.calls == 0 {
		return 0
	}
	return float64(c.errors) / float64(c.calls)
}

func (c *classState) avgResponseTime() time.Duration {
	if c.calls == 0 {
		return 0
	}
	return c.totalElapsed / time.Duration(c.calls)
}

func (c *classState) resetWindow() {
	c.calls = 0
	c.errors = 0
	c.totalElapsed = 0
}

// Manager is the WorkerPoolManager: admission control plus background
// adaptive scaling and resource-pressure probing.
type Manager struct {
	cfg      config.PoolConfig
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	observer func(class string, success bool, elapsed time.Duration)

	mu            sync.Mutex
	classes       map[string]*classState
	order         []string // registration order, for priority tie-breaking
	globalActive  int
	throttleCount int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager registers one classState per entry in cfg.Classes (iteration
// order is not guaranteed by Go maps, so registration order is derived by
// sorting class names — acceptable since priority, not registration order,
// is the primary tie-breaker; equal-priority classes fall back to name
// order deterministically instead of map iteration order).
func NewManager(cfg config.PoolConfig, rateLimits map[string]config.RateLimitConfig, cbCfg config.CircuitBreakerConfig) *Manager {
	m := &Manager{
		cfg:      cfg,
		limiter:  ratelimit.NewLimiter(rateLimits),
		breakers: breaker.NewRegistry(cbCfg),
		classes:  make(map[string]*classState, len(cfg.Classes)),
		stopCh:   make(chan struct{}),
	}

	names := make([]string, 0, len(cfg.Classes))
	for name := range cfg.Classes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cc := cfg.Classes[name]
		m.classes[name] = &classState{
			name:        name,
			priority:    cc.Priority,
			min:         cc.Min,
			max:         cc.Max,
			concurrency: cc.Max,
		}
		m.order = append(m.order, name)
	}
	return m
}

// RequestJobSlot runs the admission checks in spec §4.5 order: hard
// ceiling, configured global cap, per-class cap, rate limiter (one 100ms
// retry on first miss), circuit breaker not OPEN. The first failing check
// increments the throttle counter and returns its sentinel error.
func (m *Manager) RequestJobSlot(ctx context.Context, class string) error {
	m.mu.Lock()
	c, ok := m.classes[class]
	if !ok {
		m.mu.Unlock()
		return corerr.DomainErr("pool.RequestJobSlot", ErrUnknownClass)
	}

	if m.globalActive >= hardGlobalCeiling {
		m.throttleCount++
		m.mu.Unlock()
		return corerr.TransientErr("pool.RequestJobSlot", ErrGlobalCeiling)
	}
	if m.globalActive >= m.cfg.MaxGlobalConcurrency {
		m.throttleCount++
		m.mu.Unlock()
		return corerr.TransientErr("pool.RequestJobSlot", ErrGlobalCap)
	}
	if c.activeJobs >= c.concurrency {
		m.throttleCount++
		m.mu.Unlock()
		return corerr.TransientErr("pool.RequestJobSlot", ErrClassCap)
	}
	m.mu.Unlock()

	if !m.limiter.Allow(class) {
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		if !m.limiter.Allow(class) {
			m.mu.Lock()
			m.throttleCount++
			m.mu.Unlock()
			return corerr.TransientErr("pool.RequestJobSlot", ErrRateLimited)
		}
	}

	if m.breakers.IsOpen(class) {
		m.mu.Lock()
		m.throttleCount++
		m.mu.Unlock()
		return corerr.TransientErr("pool.RequestJobSlot", corerr.ErrCircuitOpen)
	}

	m.mu.Lock()
	c.activeJobs++
	m.globalActive++
	m.mu.Unlock()
	return nil
}

// ReleaseJobSlot decrements counters and records the outcome for the next
// adaptive-scaling tick's utilization/errorRate/avgResponseTime
// computation.
func (m *Manager) ReleaseJobSlot(class string, success bool, elapsed time.Duration) {
	m.mu.Lock()
	c, ok := m.classes[class]
	if !ok {
		m.mu.Unlock()
		return
	}
	if c.activeJobs > 0 {
		c.activeJobs--
	}
	if m.globalActive > 0 {
		m.globalActive--
	}
	c.calls++
	c.totalElapsed += elapsed
	if !success {
		c.errors++
	}
	obs := m.observer
	m.mu.Unlock()

	if obs != nil {
		obs(class, success, elapsed)
	}
}

// SetObserver registers a callback invoked on every ReleaseJobSlot
// (pkg/metrics wires this to Metrics.ObserveJob). A nil observer (the
// default) disables reporting. Called outside the manager's lock, so the
// observer may safely call back into other Manager methods.
func (m *Manager) SetObserver(observer func(class string, success bool, elapsed time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = observer
}

// ExecuteWithManagement acquires a slot, runs op through class's circuit
// breaker, and releases the slot recording success/failure — exception
// (panic) -safe via defer, matching spec §4.7's uniform worker shape.
func (m *Manager) ExecuteWithManagement(ctx context.Context, class string, op func(ctx context.Context) error) error {
	if err := m.RequestJobSlot(ctx, class); err != nil {
		return err
	}

	start := time.Now()
	success := false
	defer func() {
		m.ReleaseJobSlot(class, success, time.Since(start))
	}()

	err := m.breakers.Run(ctx, class, op)
	success = err == nil
	return err
}

// ThrottleCount reports how many admission requests have been rejected
// since start-up, a WorkerPoolManager health/metrics signal.
func (m *Manager) ThrottleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.throttleCount
}

// ClassSnapshot is a point-in-time view of one class's state, used by
// HealthMonitor and metrics reporting.
type ClassSnapshot struct {
	Name            string
	Priority        int
	Concurrency     int
	ActiveJobs      int
	Min             int
	Max             int
	ErrorRate       float64
	AvgResponseTime time.Duration
	CircuitOpen     bool
}

// Snapshot returns every class's current state, including the error rate
// and average response time accumulated in the current adaptive-scaling
// window (spec §4.9 worker-health derivation reads these directly).
func (m *Manager) Snapshot() []ClassSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ClassSnapshot, 0, len(m.order))
	for _, name := range m.order {
		c := m.classes[name]
		out = append(out, ClassSnapshot{
			Name:            c.name,
			Priority:        c.priority,
			Concurrency:     c.concurrency,
			ActiveJobs:      c.activeJobs,
			Min:             c.min,
			Max:             c.max,
			ErrorRate:       c.errorRate(),
			AvgResponseTime: c.avgResponseTime(),
			CircuitOpen:     m.breakers.IsOpen(name),
		})
	}
	return out
}
