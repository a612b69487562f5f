package workers_test

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poigraph/corepipeline/pkg/confidence"
	"github.com/poigraph/corepipeline/pkg/model"
	"github.com/poigraph/corepipeline/pkg/store"
	"github.com/poigraph/corepipeline/pkg/workers"
)

func insertRelationship(t *testing.T, st *store.Store, r model.Relationship) int64 {
	t.Helper()
	var id int64
	require.NoError(t, st.Tx(context.Background(), func(tx *sqlx.Tx) error {
		var err error
		id, err = store.InsertRelationship(context.Background(), tx, &r)
		return err
	}))
	return id
}

func insertEvidenceRows(t *testing.T, st *store.Store, relID int64, n int, conf float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, st.Tx(context.Background(), func(tx *sqlx.Tx) error {
			_, _, err := store.InsertEvidence(context.Background(), tx, &model.RelationshipEvidence{
				RelationshipID:  relID,
				Payload:         []byte(`{}`),
				AgentConfidence: conf,
			})
			return err
		}))
	}
}

func TestValidationWorkerValidatesWithSufficientEvidence(t *testing.T) {
	st := newTestStore(t)
	relID := insertRelationship(t, st, model.Relationship{
		RunID: "run-1", SourcePoiID: 1, TargetPoiID: 2, Type: "calls", EvidenceType: "function-call-pattern",
	})
	insertEvidenceRows(t, st, relID, 5, 0.9)

	scorer := confidence.NewScorer(testConfidenceConfig())
	w := workers.NewValidationWorker(st, scorer)
	payload := mustJSON(t, model.ValidationInput{RelationshipID: relID, RunID: "run-1"})
	require.NoError(t, w.Handle(context.Background(), &model.Job{ID: 1, RunID: "run-1", Payload: payload}))

	rel, err := store.GetRelationship(context.Background(), st.DB(), relID)
	require.NoError(t, err)
	assert.Equal(t, model.RelationshipValidated, rel.Status)
	assert.Greater(t, rel.Confidence, 0.0)

	assert.Equal(t, 1, countRows(t, st, `SELECT COUNT(*) FROM outbox WHERE run_id = ? AND event_type = ?`, "run-1", model.EventGraphIngest))
}

func TestValidationWorkerEscalatesOnWeakEvidence(t *testing.T) {
	st := newTestStore(t)
	relID := insertRelationship(t, st, model.Relationship{
		RunID: "run-1", SourcePoiID: 1, TargetPoiID: 2, Type: "calls", EvidenceType: "function-call-pattern",
	})

	scorer := confidence.NewScorer(testConfidenceConfig())
	w := workers.NewValidationWorker(st, scorer)
	payload := mustJSON(t, model.ValidationInput{RelationshipID: relID, RunID: "run-1"})
	require.NoError(t, w.Handle(context.Background(), &model.Job{ID: 1, RunID: "run-1", Payload: payload}))

	rel, err := store.GetRelationship(context.Background(), st.DB(), relID)
	require.NoError(t, err)
	assert.Equal(t, model.RelationshipPending, rel.Status, "escalated relationships stay PENDING until triangulation decides")

	assert.Equal(t, 1, countRows(t, st, `SELECT COUNT(*) FROM outbox WHERE run_id = ? AND event_type = ?`, "run-1", model.EventTriangulationRequest))
	assert.Equal(t, 0, countRows(t, st, `SELECT COUNT(*) FROM outbox WHERE run_id = ? AND event_type = ?`, "run-1", model.EventGraphIngest))
}
