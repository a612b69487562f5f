// Package breaker implements the per-target CircuitBreaker (spec §4.3):
// CLOSED/OPEN/HALF_OPEN over sony/gobreaker, with exactly one probe
// permitted in HALF_OPEN and the reset timeout doubling each time a probe
// fails and the breaker reopens.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/corerr"
)

// Registry holds one CircuitBreaker per target (a worker class or an
// external dependency name), created lazily on first use.
type Registry struct {
	cfg      config.CircuitBreakerConfig
	observer func(target string, state gobreaker.State)

	mu       sync.Mutex
	breakers map[string]*entry
}

type entry struct {
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration // current reset timeout; doubles each reopen
}

// NewRegistry creates a Registry using cfg as the baseline settings for
// every target.
func NewRegistry(cfg config.CircuitBreakerConfig) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*entry)}
}

// SetObserver registers a callback invoked on every state transition of
// every target's breaker. A nil observer (the default) disables
// reporting; no package in this module registers one.
func (r *Registry) SetObserver(observer func(target string, state gobreaker.State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = observer
}

// Run executes fn through target's circuit breaker. If the breaker is OPEN,
// fn is never called and corerr.ErrCircuitOpen is returned (wrapped
// Transient, so callers retry later rather than dead-lettering).
func (r *Registry) Run(ctx context.Context, target string, fn func(ctx context.Context) error) error {
	e := r.entryFor(target)

	_, err := e.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return corerr.TransientErr("breaker."+target, corerr.ErrCircuitOpen)
	}
	return err
}

// State reports the current state of target's breaker for health/metrics
// reporting (spec §4.3: "transitions emit events consumed by
// WorkerPoolManager and HealthMonitor").
func (r *Registry) State(target string) gobreaker.State {
	return r.entryFor(target).cb.State()
}

// IsOpen reports whether target's breaker is currently OPEN, the check
// WorkerPoolManager.RequestJobSlot performs during admission (spec §4.5:
// "circuit-breaker not OPEN").
func (r *Registry) IsOpen(target string) bool {
	return r.State(target) == gobreaker.StateOpen
}

// entryFor returns target's breaker, creating it with the baseline reset
// timeout if this is the first call for target.
func (r *Registry) entryFor(target string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.breakers[target]; ok {
		return e
	}
	e := r.build(target, r.cfg.ResetTimeout)
	r.breakers[target] = e
	return e
}

// build constructs a fresh breaker for target with the given reset timeout.
// Its OnStateChange doubles the timeout and replaces the registry's entry
// whenever a HALF_OPEN probe fails and the breaker falls back to OPEN (spec
// §4.3: "on failure → OPEN with backoff multiplied"); gobreaker has no
// built-in notion of a growing timeout, so each reopen gets an entirely new
// *gobreaker.CircuitBreaker configured with the doubled value.
func (r *Registry) build(target string, timeout time.Duration) *entry {
	e := &entry{timeout: timeout}
	e.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: 1, // exactly one probe permitted in HALF_OPEN
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if from == gobreaker.StateHalfOpen && to == gobreaker.StateOpen {
				r.mu.Lock()
				doubled := r.breakers[name].timeout * 2
				r.mu.Unlock()
				// A fresh gobreaker starts CLOSED; trip it so the
				// replacement stays OPEN for the doubled timeout.
				next := r.build(name, doubled)
				for next.cb.State() != gobreaker.StateOpen {
					_, _ = next.cb.Execute(func() (any, error) { return nil, corerr.ErrCircuitOpen })
				}
				r.mu.Lock()
				r.breakers[name] = next
				r.mu.Unlock()
			}
			r.mu.Lock()
			obs := r.observer
			r.mu.Unlock()
			if obs != nil {
				obs(name, to)
			}
		},
	})
	return e
}
