package config

// Config is the umbrella configuration object threaded through the core.
// It is the primary object returned by Initialize and passed explicitly to
// every component constructor — never read from a package-level singleton
// (spec §9: "make this a passed-in value ... to keep tests hermetic").
type Config struct {
	configDir string

	Store         StoreConfig
	Pool          PoolConfig
	Queue         QueueConfig
	RateLimits    map[string]RateLimitConfig
	CircuitBreaker CircuitBreakerConfig
	Outbox        OutboxConfig
	Triangulation TriangulationConfig
	Confidence    ConfidenceConfig
	Health        HealthConfig
	Backpressure  map[string]BackpressureConfig
	Run           RunConfig
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Summary is a small logging/monitoring snapshot, analogous to the
// teacher's ConfigStats.
type Summary struct {
	WorkerClasses    int
	RateLimits       int
	BackpressureQueues int
	MaxGlobalConcurrency int
}

// Summarize returns a Summary for structured logging at start-up.
func (c *Config) Summarize() Summary {
	return Summary{
		WorkerClasses:        len(c.Pool.Classes),
		RateLimits:           len(c.RateLimits),
		BackpressureQueues:   len(c.Backpressure),
		MaxGlobalConcurrency: c.Pool.MaxGlobalConcurrency,
	}
}

// RateLimitFor returns the configured rate limit for a worker class,
// falling back to the zero value (caller should treat Requests==0 as
// "unbounded" or apply its own default).
func (c *Config) RateLimitFor(class string) (RateLimitConfig, bool) {
	rl, ok := c.RateLimits[class]
	return rl, ok
}

// ClassFor returns the configured scaling bounds for a worker class.
func (c *Config) ClassFor(class string) (ClassConfig, bool) {
	cls, ok := c.Pool.Classes[class]
	return cls, ok
}

// BackpressureFor returns the configured watermarks for a queue.
func (c *Config) BackpressureFor(queue string) (BackpressureConfig, bool) {
	bp, ok := c.Backpressure[queue]
	return bp, ok
}
