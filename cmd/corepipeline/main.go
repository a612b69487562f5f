// corepipeline runs one code-graph extraction pass against a target
// directory: discovery, LLM-backed file analysis, relationship resolution,
// triangulation, and graph ingestion, coordinated by pkg/run.Orchestrator.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/poigraph/corepipeline/pkg/alert"
	"github.com/poigraph/corepipeline/pkg/cache"
	"github.com/poigraph/corepipeline/pkg/collab"
	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/health"
	"github.com/poigraph/corepipeline/pkg/llmadapter"
	"github.com/poigraph/corepipeline/pkg/run"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	targetDir := flag.String("target", getEnv("TARGET_DIR", "."), "Path to the directory to analyze")
	runID := flag.String("run-id", "", "Run identifier; a UUID is generated if omitted")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	id := *runID
	if id == "" {
		id = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Starting corepipeline run %s", id)
	log.Printf("Config directory: %s", *configDir)
	log.Printf("Target directory: %s", *targetDir)

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}
	stats := cfg.Summarize()
	log.Printf("Configuration loaded: %d worker classes, %d rate limits, %d backpressure queues, max concurrency %d",
		stats.WorkerClasses, stats.RateLimits, stats.BackpressureQueues, stats.MaxGlobalConcurrency)

	deps := run.Dependencies{
		LLM:        llmadapter.New(llmadapter.Config{APIKey: os.Getenv("ANTHROPIC_API_KEY")}),
		Discoverer: newFSDiscoverer(),
		GraphSink:  logGraphSink{},
		Cache:      buildCache(ctx),
		AlertSink:  buildAlertSink(),
	}

	o, err := run.New(ctx, cfg, deps)
	if err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}
	defer func() {
		if err := o.Close(); err != nil {
			slog.Error("error closing orchestrator", "error", err)
		}
	}()

	code := o.Run(ctx, *targetDir, id)
	log.Printf("Run %s finished with exit code %d", id, code)
	os.Exit(code)
}

func buildCache(ctx context.Context) collab.CacheClient {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		return cache.NoOp{}
	}
	client, err := cache.NewRedisClient(ctx, url)
	if err != nil {
		log.Printf("Warning: could not connect to redis at %s: %v; falling back to no-op cache", url, err)
		return cache.NoOp{}
	}
	return client
}

func buildAlertSink() health.AlertSink {
	token := os.Getenv("SLACK_BOT_TOKEN")
	channel := os.Getenv("SLACK_ALERT_CHANNEL")
	if token == "" || channel == "" {
		return alert.LogSink{}
	}
	return alert.MultiSink{
		alert.LogSink{},
		alert.NewSlackSink(alert.SlackSinkConfig{
			Token:        token,
			Channel:      channel,
			DashboardURL: os.Getenv("DASHBOARD_URL"),
		}),
	}
}
