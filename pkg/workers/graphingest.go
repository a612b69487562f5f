package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/poigraph/corepipeline/pkg/collab"
	"github.com/poigraph/corepipeline/pkg/corerr"
	"github.com/poigraph/corepipeline/pkg/model"
	"github.com/poigraph/corepipeline/pkg/store"
)

// GraphIngestWorker implements spec §4.7's GraphIngestWorker: project a
// batch of validated POIs/relationships into the external GraphSink using
// batched idempotent writes. It never reads the sink to decide what to do
// — the relationship's RelationalStore status is the only source of truth.
type GraphIngestWorker struct {
	store *store.Store
	sink  collab.GraphSink
}

// NewGraphIngestWorker builds a GraphIngestWorker.
func NewGraphIngestWorker(st *store.Store, sink collab.GraphSink) *GraphIngestWorker {
	return &GraphIngestWorker{store: st, sink: sink}
}

// Handle implements Handler.
func (w *GraphIngestWorker) Handle(ctx context.Context, job *model.Job) error {
	var in model.GraphIngestBatch
	if err := json.Unmarshal(job.Payload, &in); err != nil {
		return corerr.DomainErr("GraphIngestWorker.Handle", fmt.Errorf("decode payload: %w", err))
	}

	db := w.store.DB()

	nodeIDs := make(map[int64]bool, len(in.POIIDs)+2*len(in.RelationshipIDs))
	for _, id := range in.POIIDs {
		nodeIDs[id] = true
	}

	var edges []collab.GraphEdge
	for _, relID := range in.RelationshipIDs {
		rel, err := store.GetRelationship(ctx, db, relID)
		if err != nil {
			return err
		}
		if rel.Status != model.RelationshipValidated {
			continue
		}
		nodeIDs[rel.SourcePoiID] = true
		nodeIDs[rel.TargetPoiID] = true
		edges = append(edges, collab.GraphEdge{
			Source: poiGraphID(rel.SourcePoiID),
			Target: poiGraphID(rel.TargetPoiID),
			Type:   rel.Type,
			Properties: map[string]any{
				"confidence": rel.Confidence,
				"runId":      rel.RunID,
			},
		})
	}

	nodes := make([]collab.GraphNode, 0, len(nodeIDs))
	for id := range nodeIDs {
		poi, err := store.GetPOI(ctx, db, id)
		if err != nil {
			return err
		}
		nodes = append(nodes, collab.GraphNode{
			ID:     poiGraphID(id),
			Labels: []string{poi.Category},
			Properties: map[string]any{
				"name":     poi.Name,
				"filePath": poi.FilePath,
				"runId":    poi.RunID,
			},
		})
	}

	if len(nodes) == 0 && len(edges) == 0 {
		return nil
	}

	if err := w.sink.UpsertBatch(ctx, nodes, edges); err != nil {
		// GraphSink classifies its own schema-violation errors (spec §6);
		// anything it leaves unclassified is treated as a transient I/O
		// failure rather than dead-lettered outright.
		if corerr.KindOf(err) != corerr.Unknown {
			return err
		}
		return corerr.TransientErr("GraphIngestWorker.Handle", fmt.Errorf("upsert batch: %w", err))
	}
	return nil
}

// poiGraphID derives the GraphSink node id for a POI, stable across
// re-ingestion so UpsertBatch stays idempotent on node id.
func poiGraphID(poiID int64) string {
	return fmt.Sprintf("poi-%d", poiID)
}
