package pool

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// scaleUpFactor/scaleDownFactor are the per-tick multipliers spec §4.5
// names ("Scale factor 1.2/0.8 per tick").
const (
	scaleUpFactor   = 1.2
	scaleDownFactor = 0.8
)

// Start launches the adaptive-scaling and resource-probe background loops.
// Both are no-ops while cfg.HighPerformanceMode is set.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.runAdaptiveScaling(ctx)
	go m.runResourceProbe(ctx)
}

// Stop signals both background loops to exit and waits for them.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) runAdaptiveScaling(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.AdaptiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tickAdaptiveScaling()
		}
	}
}

// tickAdaptiveScaling implements spec §4.5's per-class utilization/
// errorRate/avgResponseTime thresholds, then resets each class's window.
func (m *Manager) tickAdaptiveScaling() {
	if m.cfg.HighPerformanceMode {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	headroom := m.cfg.MaxGlobalConcurrency - m.globalActive

	for _, name := range m.order {
		c := m.classes[name]
		util := c.utilization()
		errRate := c.errorRate()
		avgRT := c.avgResponseTime()

		switch {
		case util > 0.8 && errRate < 0.05 && avgRT < 30*time.Second && headroom > 0:
			grown := m.scale(c, scaleUpFactor)
			headroom -= grown
		case util < 0.2 || errRate > 0.2 || avgRT > 60*time.Second:
			m.scale(c, scaleDownFactor)
		}

		c.resetWindow()
	}
}

// scale multiplies c.concurrency by factor, clamped to [c.min, c.max], and
// returns the delta applied (useful for tracking consumed global headroom).
func (m *Manager) scale(c *classState, factor float64) int {
	before := c.concurrency
	next := int(float64(c.concurrency) * factor)
	if factor > 1 && next <= before {
		next = before + 1
	}
	if factor < 1 && next >= before {
		next = before - 1
	}
	if next < c.min {
		next = c.min
	}
	if next > c.max {
		next = c.max
	}
	c.concurrency = next
	return next - before
}

func (m *Manager) runResourceProbe(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ResourceProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tickResourceProbe(ctx)
		}
	}
}

// tickResourceProbe computes system pressure = 0.7*cpu + 0.3*mem (spec
// §4.5) and scales classes proportionally in response.
func (m *Manager) tickResourceProbe(ctx context.Context) {
	if m.cfg.HighPerformanceMode {
		return
	}

	cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(cpuPct) == 0 {
		slog.Warn("pool: cpu probe failed", "error", err)
		return
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		slog.Warn("pool: memory probe failed", "error", err)
		return
	}

	pressure := 0.7*(cpuPct[0]/100) + 0.3*(vm.UsedPercent/100)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case pressure > 0.8:
		for _, name := range m.order {
			m.scale(m.classes[name], scaleDownFactor)
		}
	case pressure < 0.3:
		byPriority := append([]string(nil), m.order...)
		sort.SliceStable(byPriority, func(i, j int) bool {
			return m.classes[byPriority[i]].priority > m.classes[byPriority[j]].priority
		})
		headroom := m.cfg.MaxGlobalConcurrency - m.globalActive
		for _, name := range byPriority {
			if headroom <= 0 {
				break
			}
			headroom -= m.scale(m.classes[name], scaleUpFactor)
		}
	}
}
