package run_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poigraph/corepipeline/pkg/collab"
	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/model"
	"github.com/poigraph/corepipeline/pkg/run"
	"github.com/poigraph/corepipeline/pkg/store"
)

// fakeDiscoverer replays a fixed list of files, then closes both channels.
type fakeDiscoverer struct {
	files []collab.DiscoveredFile
}

func (d *fakeDiscoverer) Walk(ctx context.Context, root string) (<-chan collab.DiscoveredFile, <-chan error) {
	files := make(chan collab.DiscoveredFile, len(d.files))
	errs := make(chan error)
	for _, f := range d.files {
		files <- f
	}
	close(files)
	close(errs)
	return files, errs
}

// fakeLLM always returns a single high-confidence POI/analysis body.
type fakeLLM struct {
	body string
}

func (f *fakeLLM) Call(ctx context.Context, prompt string) (collab.LLMResponse, error) {
	return collab.LLMResponse{Body: f.body}, nil
}

func (f *fakeLLM) Close() error { return nil }

// fakeGraphSink accepts every batch without recording anything.
type fakeGraphSink struct{}

func (fakeGraphSink) UpsertBatch(ctx context.Context, nodes []collab.GraphNode, edges []collab.GraphEdge) error {
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Store.WALEnabled = true
	cfg.Store.BusyTimeout = 2 * time.Second
	cfg.Store.MigrationsEnabled = true
	cfg.Pool.MaxGlobalConcurrency = 20
	cfg.Pool.AdaptiveInterval = time.Hour
	cfg.Pool.ResourceProbeInterval = time.Hour
	cfg.Health.GlobalInterval = 50 * time.Millisecond
	cfg.Health.WorkerHealthInterval = time.Hour
	cfg.Health.DependencyInterval = time.Hour
	cfg.Run.LLMTimeout = 5 * time.Second
	cfg.Run.BrokerReserveTimeout = 5 * time.Second
	cfg.Run.GraphBatchTimeout = 5 * time.Second
	classes := make(map[string]config.ClassConfig, len(config.AllQueues()))
	rates := make(map[string]config.RateLimitConfig, len(config.AllQueues()))
	for _, q := range config.AllQueues() {
		classes[q] = config.ClassConfig{Min: 1, Max: 4, Priority: 1}
		rates[q] = config.RateLimitConfig{Requests: 1000, Window: time.Second}
	}
	cfg.Pool.Classes = classes
	cfg.RateLimits = rates
	cfg.CircuitBreaker = config.CircuitBreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute}
	cfg.Queue = config.QueueConfig{
		MaxAttempts:       3,
		BaseDelay:         10 * time.Millisecond,
		BackoffFactor:     2,
		JitterFraction:    0.2,
		VisibilityTimeout: 2 * time.Second,
	}
	cfg.Outbox.TickInterval = 20 * time.Millisecond
	cfg.Confidence = config.ConfidenceConfig{
		Weights:             config.ConfidenceWeights{Syntax: 0.3, Semantic: 0.3, Context: 0.2, CrossRef: 0.2},
		EscalationThreshold: 0, // route straight to validation in these tests
		Alpha:               1,
	}
	cfg.Triangulation = config.TriangulationConfig{
		AcceptThreshold:   0.7,
		RejectThreshold:   0.3,
		ConflictThreshold: 0.4,
		MaxEscalations:    1,
		SubagentTimeout:   time.Second,
	}
	return cfg
}

func waitForRunTermination(t *testing.T, fn func() int) int {
	t.Helper()
	done := make(chan int, 1)
	go func() { done <- fn() }()
	select {
	case code := <-done:
		return code
	case <-time.After(10 * time.Second):
		t.Fatal("run did not terminate in time")
		return -1
	}
}

// TestRunEmptyRunCompletes exercises spec's "empty run" scenario: no files
// discovered means every queue stays empty and the run should reach P10
// quiescence immediately.
func TestRunEmptyRunCompletes(t *testing.T) {
	cfg := testConfig(t)
	deps := run.Dependencies{
		LLM:        &fakeLLM{body: `[]`},
		Discoverer: &fakeDiscoverer{},
		GraphSink:  fakeGraphSink{},
	}

	ctx := context.Background()
	o, err := run.New(ctx, cfg, deps)
	require.NoError(t, err)
	defer o.Close()

	code := waitForRunTermination(t, func() int { return o.Run(ctx, t.TempDir(), "run-empty") })
	assert.Equal(t, run.ExitCompleted, code)

	st, err := store.Open(ctx, cfg.Store)
	require.NoError(t, err)
	defer st.Close()

	var state string
	require.NoError(t, st.DB().Get(&state, `SELECT state FROM run_status WHERE run_id = ? ORDER BY id DESC LIMIT 1`, "run-empty"))
	assert.Equal(t, string(model.RunCompleted), state)
}

// TestRunSingleFunctionFile exercises spec's "single function file" scenario
// end to end: discovery seeds one file, file-analysis extracts one POI via
// the fake LLM, and the run reaches completion without any relationship to
// resolve.
func TestRunSingleFunctionFile(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "foo.go")
	require.NoError(t, os.WriteFile(filePath, []byte("package foo\n\nfunc Foo() {}\n"), 0o644))

	poiBody, err := json.Marshal([]map[string]any{
		{"name": "Foo", "category": "function", "startLine": 3, "endLine": 3, "isExported": true, "semanticId": "foo.Foo"},
	})
	require.NoError(t, err)

	cfg := testConfig(t)
	deps := run.Dependencies{
		LLM:        &fakeLLM{body: string(poiBody)},
		Discoverer: &fakeDiscoverer{files: []collab.DiscoveredFile{{Path: filePath, Hash: "h1"}}},
		GraphSink:  fakeGraphSink{},
	}

	ctx := context.Background()
	o, err := run.New(ctx, cfg, deps)
	require.NoError(t, err)
	defer o.Close()

	code := waitForRunTermination(t, func() int { return o.Run(ctx, dir, "run-single") })
	assert.Equal(t, run.ExitCompleted, code)

	st, err := store.Open(ctx, cfg.Store)
	require.NoError(t, err)
	defer st.Close()

	var poiCount int
	require.NoError(t, st.DB().Get(&poiCount, `SELECT COUNT(*) FROM pois WHERE run_id = ?`, "run-single"))
	assert.Equal(t, 1, poiCount)

	var fileStatus string
	require.NoError(t, st.DB().Get(&fileStatus, `SELECT status FROM files WHERE run_id = ?`, "run-single"))
	assert.Equal(t, string(model.FileStatusProcessed), fileStatus)
}
