// Package collab declares the external collaborator contracts the core
// depends on but never implements the domain logic of (spec §6): the LLM,
// the file discoverer, the graph database, and an optional metadata cache.
// Concrete adapters live outside the core (see pkg/llmadapter for one
// example) and are wired in at cmd/ boundary time.
package collab

import (
	"context"
	"io"
	"time"
)

// LLMUsage reports token accounting for a single LLMClient.Call.
type LLMUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// LLMResponse is the result of one LLMClient.Call.
type LLMResponse struct {
	Body  string
	Usage LLMUsage
}

// LLMClient is the extractor's LLM collaborator. Implementations must be
// safe to call concurrently up to the rate limiter's configured rate and
// must classify failures so the caller's corerr wrapping is accurate:
// timeouts and network failures are transient, non-2xx provider responses
// may be transient (rate-limit) or fatal (auth) depending on the provider.
type LLMClient interface {
	Call(ctx context.Context, prompt string) (LLMResponse, error)
	io.Closer
}

// DiscoveredFile is one entry produced by Discoverer.Walk.
type DiscoveredFile struct {
	Path string
	Hash string
}

// Discoverer walks a target tree and produces files to enqueue. It must
// respect an ignore predicate supplied by its own configuration and
// classify non-code files as skipped rather than surfacing them.
type Discoverer interface {
	Walk(ctx context.Context, root string) (<-chan DiscoveredFile, <-chan error)
}

// GraphNode is one node upsert for GraphSink.UpsertBatch.
type GraphNode struct {
	ID         string
	Labels     []string
	Properties map[string]any
}

// GraphEdge is one edge upsert for GraphSink.UpsertBatch. Idempotency key
// is (Source, Target, Type).
type GraphEdge struct {
	Source     string
	Target     string
	Type       string
	Properties map[string]any
}

// GraphSink is the property-graph projection target. UpsertBatch must be
// idempotent on node id and the (source,target,type) edge key, and raise
// typed errors (classified by the caller as corerr.Domain) for schema
// violations.
type GraphSink interface {
	UpsertBatch(ctx context.Context, nodes []GraphNode, edges []GraphEdge) error
}

// CacheClient is an optional opaque KV for metadata (run status, queue
// hints). No correctness guarantees are required of an implementation —
// it may evict freely — and the core must tolerate total loss.
type CacheClient interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
