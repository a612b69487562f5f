// Package health implements the HealthMonitor (spec §4.9): three
// independent timers (global aggregation, worker health, dependency
// probes), bounded auto-recovery actions, and alert de-duplication with a
// cooldown window.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/pool"
)

// Status is a coarse health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusWarning   Status = "warning"
	StatusUnhealthy Status = "unhealthy"
)

// DependencyProbe is one external dependency the monitor periodically
// checks. Recover, if non-nil, is invoked by the bounded auto-recovery
// pass when the dependency is unhealthy (spec §4.9: "invoke the
// dependency's registered recovery function; never restart external
// services").
type DependencyProbe struct {
	Name    string
	Probe   func(ctx context.Context) error
	Recover func(ctx context.Context) error
}

// DependencyStatus is one probe's last result.
type DependencyStatus struct {
	Name         string
	Status       Status
	LastChecked  time.Time
	ResponseTime time.Duration
	Error        string
}

// WorkerStatus is one pool class's derived health.
type WorkerStatus struct {
	Class  string
	Status Status
	Reason string
}

// GlobalStatus is the aggregated system-wide verdict.
type GlobalStatus struct {
	Status              Status
	ConsecutiveFailures int
	ConsecutiveSuccesses int
	LastChanged         time.Time
}

// Alert is fired through an AlertSink when a component becomes unhealthy
// or recovers.
type Alert struct {
	Type      string // e.g. "dependency", "worker", "global"
	Subject   string // e.g. dependency name or worker class
	Status    Status
	Message   string
	FiredAt   time.Time
}

// AlertSink receives Alerts. Implementations (pkg/alert) must be safe for
// concurrent use and must not block the monitor's timers for long.
type AlertSink interface {
	Fire(ctx context.Context, alert Alert)
}

// Monitor is the HealthMonitor.
type Monitor struct {
	cfg   config.HealthConfig
	pool  *pool.Manager
	deps  []DependencyProbe
	sink  AlertSink

	mu           sync.RWMutex
	depStatuses  map[string]*DependencyStatus
	workerStatus map[string]*WorkerStatus
	global       GlobalStatus

	lastAlert map[string]time.Time // "type:subject" -> last fired

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor builds a Monitor. pool may be nil if worker-health derivation
// is not wired up by the caller (e.g. in tests exercising only dependency
// probes).
func NewMonitor(cfg config.HealthConfig, poolMgr *pool.Manager, deps []DependencyProbe, sink AlertSink) *Monitor {
	return &Monitor{
		cfg:          cfg,
		pool:         poolMgr,
		deps:         deps,
		sink:         sink,
		depStatuses:  make(map[string]*DependencyStatus),
		workerStatus: make(map[string]*WorkerStatus),
		global:       GlobalStatus{Status: StatusHealthy, LastChanged: time.Now()},
		lastAlert:    make(map[string]time.Time),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the three independent timer loops.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(3)
	go m.runLoop(ctx, m.cfg.GlobalInterval, m.tickGlobal)
	go m.runLoop(ctx, m.cfg.WorkerHealthInterval, m.tickWorkerHealth)
	go m.runLoop(ctx, m.cfg.DependencyInterval, m.tickDependencies)
}

// Stop signals every loop to exit and waits for them.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) runLoop(ctx context.Context, interval time.Duration, tick func(ctx context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// DependencyStatuses returns a snapshot of every probe's last result.
func (m *Monitor) DependencyStatuses() map[string]DependencyStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]DependencyStatus, len(m.depStatuses))
	for k, v := range m.depStatuses {
		out[k] = *v
	}
	return out
}

// WorkerStatuses returns a snapshot of every pool class's derived health.
func (m *Monitor) WorkerStatuses() map[string]WorkerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]WorkerStatus, len(m.workerStatus))
	for k, v := range m.workerStatus {
		out[k] = *v
	}
	return out
}

// Global returns the current aggregated global status.
func (m *Monitor) Global() GlobalStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// fireAlert de-duplicates by (type, subject) within cfg.AlertCooldown
// before forwarding to the sink (spec §4.9: "alert de-duplication with
// cooldown, default 5 min").
func (m *Monitor) fireAlert(ctx context.Context, a Alert) {
	key := fmt.Sprintf("%s:%s", a.Type, a.Subject)

	m.mu.Lock()
	last, seen := m.lastAlert[key]
	if seen && time.Since(last) < m.cfg.AlertCooldown {
		m.mu.Unlock()
		return
	}
	m.lastAlert[key] = a.FiredAt
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.Fire(ctx, a)
	}
	slog.Warn("health: alert fired", "type", a.Type, "subject", a.Subject, "status", a.Status, "message", a.Message)
}
