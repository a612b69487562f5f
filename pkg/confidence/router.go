package confidence

import (
	"context"
	"fmt"

	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/store"
)

// Router adapts Scorer into outbox.RelationshipRouter: a relationship
// whose score escalates goes to triangulation, otherwise straight
// validation.
type Router struct {
	store  *store.Store
	scorer *Scorer
}

// NewRouter builds a Router over st using scorer's weights/thresholds.
func NewRouter(st *store.Store, scorer *Scorer) *Router {
	return &Router{store: st, scorer: scorer}
}

// Route implements outbox.RelationshipRouter.
func (r *Router) Route(ctx context.Context, relationshipID int64) (string, error) {
	rel, err := store.GetRelationship(ctx, r.store.DB(), relationshipID)
	if err != nil {
		return "", fmt.Errorf("router: load relationship %d: %w", relationshipID, err)
	}

	evidence, err := store.ListEvidence(ctx, r.store.DB(), relationshipID)
	if err != nil {
		return "", fmt.Errorf("router: load evidence for relationship %d: %w", relationshipID, err)
	}

	score := r.scorer.Score(rel, evidence)
	if score.Escalate {
		return config.QueueTriangulation, nil
	}
	return config.QueueValidation, nil
}
