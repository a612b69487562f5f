package config

import "time"

// StoreConfig controls the RelationalStore (spec §4.1, §6: store.path, store.walEnabled).
type StoreConfig struct {
	Path              string        `yaml:"path"`
	WALEnabled        bool          `yaml:"wal_enabled"`
	BusyTimeout       time.Duration `yaml:"busy_timeout"`
	MigrationsEnabled bool          `yaml:"migrations_enabled"`
	// NormalizeOnStart gates the ad-hoc start-up normalization passes
	// (spec §9 open question: "gate them behind an explicit flag").
	NormalizeOnStart bool `yaml:"normalize_on_start"`
}

// ClassConfig is a worker-class's scaling bounds and priority
// (spec §6: perClass.{name}.{min,max,priority}).
type ClassConfig struct {
	Min      int `yaml:"min"`
	Max      int `yaml:"max"`
	Priority int `yaml:"priority"`
}

// PoolConfig is the WorkerPoolManager configuration (spec §4.5).
type PoolConfig struct {
	MaxGlobalConcurrency int                    `yaml:"max_global_concurrency"`
	Classes              map[string]ClassConfig `yaml:"classes"`
	AdaptiveInterval      time.Duration          `yaml:"adaptive_interval"`
	ResourceProbeInterval time.Duration          `yaml:"resource_probe_interval"`
	HighPerformanceMode   bool                   `yaml:"high_performance_mode"`
}

// RateLimitConfig is a token-bucket's per-window request budget
// (spec §6: rateLimits.{name}.{requests,windowMs}).
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// CircuitBreakerConfig configures the per-target state machine (spec §4.3).
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// OutboxConfig configures the OutboxPublisher cadence (spec §4.6).
type OutboxConfig struct {
	BatchSize           int           `yaml:"batch_size"`
	ReservationTimeout  time.Duration `yaml:"reservation_timeout"`
	MaxAttempts         int           `yaml:"max_attempts"`
	TickInterval        time.Duration `yaml:"tick_interval"`
}

// TriangulationConfig configures consensus arithmetic (spec §4.10).
type TriangulationConfig struct {
	AcceptThreshold   float64       `yaml:"accept_threshold"`
	RejectThreshold   float64       `yaml:"reject_threshold"`
	ConflictThreshold float64       `yaml:"conflict_threshold"`
	MaxEscalations    int           `yaml:"max_escalations"`
	SubagentTimeout   time.Duration `yaml:"subagent_timeout"`
	AgentWeights      map[string]float64 `yaml:"agent_weights"`
}

// ConfidenceWeights are the factor weights for the scorer; must sum to 1
// (spec §4.10 step 2, and §7 Fatal: "confidence weights not summing to 1").
type ConfidenceWeights struct {
	Syntax   float64 `yaml:"syntax"`
	Semantic float64 `yaml:"semantic"`
	Context  float64 `yaml:"context"`
	CrossRef float64 `yaml:"cross_ref"`
}

// ConfidenceConfig configures the ConfidenceScorer (spec §4.10).
type ConfidenceConfig struct {
	Weights              ConfidenceWeights `yaml:"weights"`
	EscalationThreshold float64           `yaml:"escalation_threshold"`
	Alpha                float64           `yaml:"alpha"`
}

// HealthConfig configures HealthMonitor timers and thresholds (spec §4.9).
type HealthConfig struct {
	GlobalInterval      time.Duration `yaml:"global_interval"`
	WorkerHealthInterval time.Duration `yaml:"worker_health_interval"`
	DependencyInterval  time.Duration `yaml:"dependency_interval"`
	DependencyTimeout   time.Duration `yaml:"dependency_timeout"`
	UnhealthyThreshold  int           `yaml:"unhealthy_threshold"`
	RecoveryThreshold   int           `yaml:"recovery_threshold"`
	AlertCooldown       time.Duration `yaml:"alert_cooldown"`
}

// BackpressureConfig is per-queue high/low watermarks (spec §5 Backpressure).
type BackpressureConfig struct {
	High int `yaml:"high"`
	Low  int `yaml:"low"`
}

// QueueConfig configures the QueueBroker's retry/backoff and visibility
// semantics (spec §4.2: "exponential backoff with jitter, capped (default 5
// attempts, base 2s, factor 2, ±20% jitter)").
type QueueConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	BackoffFactor     float64       `yaml:"backoff_factor"`
	JitterFraction    float64       `yaml:"jitter_fraction"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// RunConfig is run-lifecycle behavior (spec §6: run.stopOnFatalDependency).
type RunConfig struct {
	StopOnFatalDependency bool          `yaml:"stop_on_fatal_dependency"`
	LLMTimeout            time.Duration `yaml:"llm_timeout"`
	BrokerReserveTimeout  time.Duration `yaml:"broker_reserve_timeout"`
	GraphBatchTimeout     time.Duration `yaml:"graph_batch_timeout"`
}
