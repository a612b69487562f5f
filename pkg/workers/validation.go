package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/poigraph/corepipeline/pkg/confidence"
	"github.com/poigraph/corepipeline/pkg/corerr"
	"github.com/poigraph/corepipeline/pkg/model"
	"github.com/poigraph/corepipeline/pkg/store"
)

// ValidationWorker implements spec §4.7's ValidationWorker: score a
// relationship's accumulated evidence and transition it to VALIDATED or
// FAILED, enqueuing graph-ingest on success.
type ValidationWorker struct {
	store  *store.Store
	scorer *confidence.Scorer
}

// NewValidationWorker builds a ValidationWorker.
func NewValidationWorker(st *store.Store, scorer *confidence.Scorer) *ValidationWorker {
	return &ValidationWorker{store: st, scorer: scorer}
}

// Handle implements Handler.
func (w *ValidationWorker) Handle(ctx context.Context, job *model.Job) error {
	var in model.ValidationInput
	if err := json.Unmarshal(job.Payload, &in); err != nil {
		return corerr.DomainErr("ValidationWorker.Handle", fmt.Errorf("decode payload: %w", err))
	}

	db := w.store.DB()
	rel, err := store.GetRelationship(ctx, db, in.RelationshipID)
	if err != nil {
		return err
	}
	evidence, err := store.ListEvidence(ctx, db, in.RelationshipID)
	if err != nil {
		return err
	}

	score := w.scorer.Score(rel, evidence)

	// Evidence may have accumulated since the outbox router last scored
	// this relationship; re-check escalation here rather than trusting the
	// routing decision blindly.
	if score.Escalate {
		payload, err := json.Marshal(model.TriangulationRequestPayload{RunID: in.RunID, RelationshipID: rel.ID})
		if err != nil {
			return corerr.DomainErr("ValidationWorker.Handle", err)
		}
		return w.store.Tx(ctx, func(tx *sqlx.Tx) error {
			_, err := store.InsertOutboxEvent(ctx, tx, in.RunID, model.EventTriangulationRequest, payload)
			return err
		})
	}

	status := model.RelationshipValidated
	reason := fmt.Sprintf("confidence %s (%.2f)", score.Level, score.Final)
	if !rel.ValidForValidation() {
		status = model.RelationshipFailed
		reason = "relationship failed VALIDATED invariant check"
	}

	return w.store.Tx(ctx, func(tx *sqlx.Tx) error {
		if err := store.UpdateRelationshipOutcome(ctx, tx, rel.ID, status, score.Final, reason); err != nil {
			return err
		}
		if status != model.RelationshipValidated {
			return nil
		}

		payload, err := json.Marshal(model.GraphIngestPayload{RunID: in.RunID, RelationshipID: rel.ID})
		if err != nil {
			return corerr.DomainErr("ValidationWorker.Handle", err)
		}
		_, err = store.InsertOutboxEvent(ctx, tx, in.RunID, model.EventGraphIngest, payload)
		return err
	})
}
