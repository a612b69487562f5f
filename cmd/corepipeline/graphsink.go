package main

import (
	"context"
	"log/slog"

	"github.com/poigraph/corepipeline/pkg/collab"
)

// logGraphSink implements collab.GraphSink by logging each batch. Real
// graph-database ingestion is out of scope (spec's Non-goals); this is the
// minimal collaborator needed to exercise GraphIngestWorker end to end.
type logGraphSink struct{}

func (logGraphSink) UpsertBatch(ctx context.Context, nodes []collab.GraphNode, edges []collab.GraphEdge) error {
	slog.Info("graph upsert batch", "nodes", len(nodes), "edges", len(edges))
	return nil
}
