package config

import (
	"fmt"
	"math"
)

// Validator validates a loaded Config comprehensively, fail-fast.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll validates every section, stopping at the first error.
func (v *Validator) ValidateAll() error {
	if err := v.validateStore(); err != nil {
		return fmt.Errorf("store validation failed: %w", err)
	}
	if err := v.validatePool(); err != nil {
		return fmt.Errorf("pool validation failed: %w", err)
	}
	if err := v.validateQueue(); err != nil {
		return fmt.Errorf("queue validation failed: %w", err)
	}
	if err := v.validateRateLimits(); err != nil {
		return fmt.Errorf("rate limit validation failed: %w", err)
	}
	if err := v.validateCircuitBreaker(); err != nil {
		return fmt.Errorf("circuit breaker validation failed: %w", err)
	}
	if err := v.validateOutbox(); err != nil {
		return fmt.Errorf("outbox validation failed: %w", err)
	}
	if err := v.validateTriangulation(); err != nil {
		return fmt.Errorf("triangulation validation failed: %w", err)
	}
	if err := v.validateConfidence(); err != nil {
		return fmt.Errorf("confidence validation failed: %w", err)
	}
	if err := v.validateHealth(); err != nil {
		return fmt.Errorf("health validation failed: %w", err)
	}
	if err := v.validateBackpressure(); err != nil {
		return fmt.Errorf("backpressure validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateStore() error {
	s := v.cfg.Store
	if s.Path == "" {
		return NewValidationError("store", "path", fmt.Errorf("required"))
	}
	if s.BusyTimeout <= 0 {
		return NewValidationError("store", "busy_timeout", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *Validator) validatePool() error {
	p := v.cfg.Pool

	// Spec §4.5: "global in-flight ≤ 150, enforced regardless of configuration."
	if p.MaxGlobalConcurrency <= 0 || p.MaxGlobalConcurrency > 150 {
		return NewValidationError("pool", "max_global_concurrency",
			fmt.Errorf("%w: must be in (0, 150], got %d", ErrInvariantViolated, p.MaxGlobalConcurrency))
	}
	if len(p.Classes) == 0 {
		return NewValidationError("pool", "classes", fmt.Errorf("at least one worker class required"))
	}
	for name, c := range p.Classes {
		if c.Min < 0 {
			return NewValidationError("pool", "classes."+name+".min", fmt.Errorf("must be non-negative"))
		}
		if c.Max < c.Min {
			return NewValidationError("pool", "classes."+name+".max", fmt.Errorf("must be >= min"))
		}
		if c.Max > p.MaxGlobalConcurrency {
			return NewValidationError("pool", "classes."+name+".max", fmt.Errorf("must not exceed max_global_concurrency"))
		}
	}
	if p.AdaptiveInterval <= 0 {
		return NewValidationError("pool", "adaptive_interval", fmt.Errorf("must be positive"))
	}
	if p.ResourceProbeInterval <= 0 {
		return NewValidationError("pool", "resource_probe_interval", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *Validator) validateQueue() error {
	q := v.cfg.Queue
	if q.MaxAttempts <= 0 {
		return NewValidationError("queue", "max_attempts", fmt.Errorf("must be positive"))
	}
	if q.BaseDelay <= 0 {
		return NewValidationError("queue", "base_delay", fmt.Errorf("must be positive"))
	}
	if q.BackoffFactor <= 1 {
		return NewValidationError("queue", "backoff_factor", fmt.Errorf("must be > 1"))
	}
	if q.JitterFraction < 0 || q.JitterFraction > 1 {
		return NewValidationError("queue", "jitter_fraction", fmt.Errorf("must be in [0, 1]"))
	}
	if q.VisibilityTimeout <= 0 {
		return NewValidationError("queue", "visibility_timeout", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *Validator) validateRateLimits() error {
	for class, rl := range v.cfg.RateLimits {
		if rl.Requests <= 0 {
			return NewValidationError("rate_limits", class+".requests", fmt.Errorf("must be positive"))
		}
		if rl.Window <= 0 {
			return NewValidationError("rate_limits", class+".window", fmt.Errorf("must be positive"))
		}
	}
	return nil
}

func (v *Validator) validateCircuitBreaker() error {
	cb := v.cfg.CircuitBreaker
	if cb.FailureThreshold == 0 {
		return NewValidationError("circuit_breaker", "failure_threshold", fmt.Errorf("must be positive"))
	}
	if cb.ResetTimeout <= 0 {
		return NewValidationError("circuit_breaker", "reset_timeout", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *Validator) validateOutbox() error {
	o := v.cfg.Outbox
	if o.BatchSize <= 0 {
		return NewValidationError("outbox", "batch_size", fmt.Errorf("must be positive"))
	}
	if o.ReservationTimeout <= 0 {
		return NewValidationError("outbox", "reservation_timeout", fmt.Errorf("must be positive"))
	}
	if o.MaxAttempts <= 0 {
		return NewValidationError("outbox", "max_attempts", fmt.Errorf("must be positive"))
	}
	if o.TickInterval <= 0 {
		return NewValidationError("outbox", "tick_interval", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *Validator) validateTriangulation() error {
	t := v.cfg.Triangulation
	if t.AcceptThreshold <= t.RejectThreshold {
		return NewValidationError("triangulation", "accept_threshold",
			fmt.Errorf("%w: accept_threshold must be > reject_threshold", ErrInvariantViolated))
	}
	if t.ConflictThreshold <= 0 || t.ConflictThreshold > 1 {
		return NewValidationError("triangulation", "conflict_threshold", fmt.Errorf("must be in (0, 1]"))
	}
	if t.MaxEscalations < 0 {
		return NewValidationError("triangulation", "max_escalations", fmt.Errorf("must be non-negative"))
	}
	if t.SubagentTimeout <= 0 {
		return NewValidationError("triangulation", "subagent_timeout", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *Validator) validateConfidence() error {
	c := v.cfg.Confidence
	w := c.Weights
	sum := w.Syntax + w.Semantic + w.Context + w.CrossRef
	// Spec §7 Fatal: "configuration invariant violated (e.g., confidence
	// weights not summing to 1)".
	if math.Abs(sum-1.0) > 1e-9 {
		return NewValidationError("confidence", "weights",
			fmt.Errorf("%w: weights must sum to 1, got %v", ErrInvariantViolated, sum))
	}
	if c.EscalationThreshold < 0 || c.EscalationThreshold > 1 {
		return NewValidationError("confidence", "escalation_threshold", fmt.Errorf("must be in [0, 1]"))
	}
	if c.Alpha <= 0 {
		return NewValidationError("confidence", "alpha", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *Validator) validateHealth() error {
	h := v.cfg.Health
	if h.GlobalInterval <= 0 || h.WorkerHealthInterval <= 0 || h.DependencyInterval <= 0 {
		return NewValidationError("health", "intervals", fmt.Errorf("must all be positive"))
	}
	if h.DependencyTimeout <= 0 {
		return NewValidationError("health", "dependency_timeout", fmt.Errorf("must be positive"))
	}
	if h.UnhealthyThreshold <= 0 {
		return NewValidationError("health", "unhealthy_threshold", fmt.Errorf("must be positive"))
	}
	if h.RecoveryThreshold <= 0 {
		return NewValidationError("health", "recovery_threshold", fmt.Errorf("must be positive"))
	}
	if h.AlertCooldown <= 0 {
		return NewValidationError("health", "alert_cooldown", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *Validator) validateBackpressure() error {
	for queue, bp := range v.cfg.Backpressure {
		if bp.Low < 0 {
			return NewValidationError("backpressure", queue+".low", fmt.Errorf("must be non-negative"))
		}
		if bp.High <= bp.Low {
			return NewValidationError("backpressure", queue+".high", fmt.Errorf("must be > low"))
		}
	}
	return nil
}
