package config

import "time"

// Queue names the QueueBroker's named FIFO queues (spec §4.2) plus the
// dead-letter sub-queue; also used as the default set of worker classes
// and backpressure targets unless overridden.
const (
	QueueFileAnalysis          = "file-analysis"
	QueueDirectoryResolution   = "directory-resolution"
	QueueRelationshipResolution = "relationship-resolution"
	QueueValidation            = "validation"
	QueueTriangulation         = "triangulation"
	QueueGraphIngest           = "graph-ingest"
	QueueDeadLetterSuffix      = ".dead-letter"
)

// AllQueues lists every named FIFO queue in enqueue/reserve/ack order of
// first appearance in spec §4.2.
func AllQueues() []string {
	return []string{
		QueueFileAnalysis,
		QueueDirectoryResolution,
		QueueRelationshipResolution,
		QueueValidation,
		QueueTriangulation,
		QueueGraphIngest,
	}
}

// DefaultConfig returns the built-in configuration, merged with any
// user-supplied YAML on top (see loader.go Initialize).
func DefaultConfig() *Config {
	classes := make(map[string]ClassConfig, len(AllQueues()))
	for i, q := range AllQueues() {
		classes[q] = ClassConfig{Min: 1, Max: 25, Priority: len(AllQueues()) - i}
	}

	rateLimits := make(map[string]RateLimitConfig, len(AllQueues()))
	for _, q := range AllQueues() {
		rateLimits[q] = RateLimitConfig{Requests: 10, Window: time.Second}
	}

	backpressure := make(map[string]BackpressureConfig, len(AllQueues()))
	for _, q := range AllQueues() {
		backpressure[q] = BackpressureConfig{High: 500, Low: 100}
	}

	return &Config{
		Store: StoreConfig{
			Path:              "corepipeline.db",
			WALEnabled:        true,
			BusyTimeout:       5 * time.Second,
			MigrationsEnabled: true,
			NormalizeOnStart:  false,
		},
		Pool: PoolConfig{
			MaxGlobalConcurrency:  150,
			Classes:               classes,
			AdaptiveInterval:      30 * time.Second,
			ResourceProbeInterval: 10 * time.Second,
			HighPerformanceMode:   false,
		},
		Queue: QueueConfig{
			MaxAttempts:       5,
			BaseDelay:         2 * time.Second,
			BackoffFactor:     2,
			JitterFraction:    0.2,
			VisibilityTimeout: 30 * time.Second,
		},
		RateLimits: rateLimits,
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		Outbox: OutboxConfig{
			BatchSize:          100,
			ReservationTimeout: 60 * time.Second,
			MaxAttempts:        5,
			TickInterval:       2 * time.Second,
		},
		Triangulation: TriangulationConfig{
			AcceptThreshold:   0.7,
			RejectThreshold:   0.3,
			ConflictThreshold: 0.4,
			MaxEscalations:    1,
			SubagentTimeout:   60 * time.Second,
			AgentWeights:      map[string]float64{},
		},
		Confidence: ConfidenceConfig{
			Weights: ConfidenceWeights{
				Syntax:   0.3,
				Semantic: 0.3,
				Context:  0.2,
				CrossRef: 0.2,
			},
			EscalationThreshold: 0.5,
			Alpha:               1.0,
		},
		Health: HealthConfig{
			GlobalInterval:       30 * time.Second,
			WorkerHealthInterval: 60 * time.Second,
			DependencyInterval:   120 * time.Second,
			DependencyTimeout:    10 * time.Second,
			UnhealthyThreshold:   3,
			RecoveryThreshold:    2,
			AlertCooldown:        5 * time.Minute,
		},
		Backpressure: backpressure,
		Run: RunConfig{
			StopOnFatalDependency: true,
			LLMTimeout:            150 * time.Second,
			BrokerReserveTimeout:  10 * time.Second,
			GraphBatchTimeout:     60 * time.Second,
		},
	}
}
