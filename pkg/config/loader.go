package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// yamlConfig mirrors the on-disk corepipeline.yaml shape. Every field is a
// pointer or nil-able map so that mergo only overrides what the user
// actually set, leaving DefaultConfig's values in place elsewhere.
type yamlConfig struct {
	Store         *StoreConfig                  `yaml:"store"`
	Pool          *PoolConfig                    `yaml:"pool"`
	Queue         *QueueConfig                   `yaml:"queue"`
	RateLimits    map[string]RateLimitConfig     `yaml:"rate_limits"`
	CircuitBreaker *CircuitBreakerConfig         `yaml:"circuit_breaker"`
	Outbox        *OutboxConfig                  `yaml:"outbox"`
	Triangulation *TriangulationConfig           `yaml:"triangulation"`
	Confidence    *ConfidenceConfig              `yaml:"confidence"`
	Health        *HealthConfig                  `yaml:"health"`
	Backpressure  map[string]BackpressureConfig  `yaml:"backpressure"`
	Run           *RunConfig                     `yaml:"run"`
}

// Initialize loads corepipeline.yaml from configDir (if present), merges it
// over the built-in defaults, validates the result, and returns a ready-to-use
// Config. This is the sole entry point core callers should use.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	summary := cfg.Summarize()
	log.Info("configuration initialized",
		"worker_classes", summary.WorkerClasses,
		"rate_limits", summary.RateLimits,
		"max_global_concurrency", summary.MaxGlobalConcurrency)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.configDir = configDir

	path := filepath.Join(configDir, "corepipeline.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No user config: built-in defaults stand alone.
			return cfg, nil
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)

	var user yamlConfig
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	if err := mergeUserConfig(cfg, &user); err != nil {
		return nil, NewLoadError(path, err)
	}

	return cfg, nil
}

// mergeUserConfig merges only the sections the user actually supplied over
// the built-in defaults, field by field, mirroring the override semantics
// mergo.WithOverride gives structs (user non-zero value wins).
func mergeUserConfig(cfg *Config, user *yamlConfig) error {
	if user.Store != nil {
		if err := mergo.Merge(&cfg.Store, *user.Store, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge store config: %w", err)
		}
	}
	if user.Pool != nil {
		if user.Pool.Classes != nil {
			for name, cls := range user.Pool.Classes {
				cfg.Pool.Classes[name] = cls
			}
			user.Pool.Classes = nil
		}
		if err := mergo.Merge(&cfg.Pool, *user.Pool, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge pool config: %w", err)
		}
	}
	if user.Queue != nil {
		if err := mergo.Merge(&cfg.Queue, *user.Queue, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge queue config: %w", err)
		}
	}
	for class, rl := range user.RateLimits {
		cfg.RateLimits[class] = rl
	}
	if user.CircuitBreaker != nil {
		if err := mergo.Merge(&cfg.CircuitBreaker, *user.CircuitBreaker, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge circuit breaker config: %w", err)
		}
	}
	if user.Outbox != nil {
		if err := mergo.Merge(&cfg.Outbox, *user.Outbox, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge outbox config: %w", err)
		}
	}
	if user.Triangulation != nil {
		if user.Triangulation.AgentWeights != nil {
			for name, w := range user.Triangulation.AgentWeights {
				cfg.Triangulation.AgentWeights[name] = w
			}
			user.Triangulation.AgentWeights = nil
		}
		if err := mergo.Merge(&cfg.Triangulation, *user.Triangulation, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge triangulation config: %w", err)
		}
	}
	if user.Confidence != nil {
		if err := mergo.Merge(&cfg.Confidence, *user.Confidence, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge confidence config: %w", err)
		}
	}
	if user.Health != nil {
		if err := mergo.Merge(&cfg.Health, *user.Health, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge health config: %w", err)
		}
	}
	for queue, bp := range user.Backpressure {
		cfg.Backpressure[queue] = bp
	}
	if user.Run != nil {
		if err := mergo.Merge(&cfg.Run, *user.Run, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge run config: %w", err)
		}
	}

	return nil
}

// validate performs comprehensive validation on loaded configuration.
func validate(cfg *Config) error {
	v := NewValidator(cfg)
	return v.ValidateAll()
}
