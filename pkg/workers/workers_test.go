package workers_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/poigraph/corepipeline/pkg/collab"
	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/pool"
	"github.com/poigraph/corepipeline/pkg/queue"
	"github.com/poigraph/corepipeline/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), config.StoreConfig{
		Path:              filepath.Join(t.TempDir(), "test.db"),
		WALEnabled:        true,
		BusyTimeout:       2 * time.Second,
		MigrationsEnabled: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testConfidenceConfig() config.ConfidenceConfig {
	return config.ConfidenceConfig{
		Weights:             config.ConfidenceWeights{Syntax: 0.3, Semantic: 0.3, Context: 0.2, CrossRef: 0.2},
		EscalationThreshold: 0.5,
		Alpha:               1,
	}
}

func testTriangulationConfig() config.TriangulationConfig {
	return config.TriangulationConfig{
		AcceptThreshold:   0.7,
		RejectThreshold:   0.3,
		ConflictThreshold: 0.4,
		MaxEscalations:    1,
		SubagentTimeout:   time.Second,
	}
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxAttempts:       3,
		BaseDelay:         10 * time.Millisecond,
		BackoffFactor:     2,
		JitterFraction:    0.2,
		VisibilityTimeout: 2 * time.Second,
	}
}

func testPoolManager(t *testing.T, class string) *pool.Manager {
	t.Helper()
	cfg := config.PoolConfig{
		MaxGlobalConcurrency:  150,
		Classes:               map[string]config.ClassConfig{class: {Min: 1, Max: 4, Priority: 1}},
		AdaptiveInterval:      time.Hour,
		ResourceProbeInterval: time.Hour,
	}
	rateLimits := map[string]config.RateLimitConfig{class: {Requests: 1000, Window: time.Second}}
	cb := config.CircuitBreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute}
	return pool.NewManager(cfg, rateLimits, cb)
}

func newTestBroker(t *testing.T, st *store.Store) *queue.Broker {
	t.Helper()
	return queue.New(st.DB(), testQueueConfig())
}

// fakeLLM returns a fixed body (or err, when set) for every call, recording
// how many times it was invoked.
type fakeLLM struct {
	mu    sync.Mutex
	calls int
	body  string
	err   error
}

func (f *fakeLLM) Call(ctx context.Context, prompt string) (collab.LLMResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return collab.LLMResponse{}, f.err
	}
	return collab.LLMResponse{Body: f.body}, nil
}

func (f *fakeLLM) Close() error { return nil }

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeGraphSink records every UpsertBatch call.
type fakeGraphSink struct {
	mu    sync.Mutex
	nodes []collab.GraphNode
	edges []collab.GraphEdge
	err   error
}

func (f *fakeGraphSink) UpsertBatch(ctx context.Context, nodes []collab.GraphNode, edges []collab.GraphEdge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.nodes = append(f.nodes, nodes...)
	f.edges = append(f.edges, edges...)
	return nil
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
