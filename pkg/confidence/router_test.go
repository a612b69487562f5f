package confidence_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/confidence"
	"github.com/poigraph/corepipeline/pkg/model"
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

func TestRouterRoutesToValidationWhenConfident(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var relID int64
	require.NoError(t, st.Tx(ctx, func(tx *sqlx.Tx) error {
		id, err := store.InsertRelationship(ctx, tx, &model.Relationship{
			RunID: "run-1", SourcePoiID: 1, TargetPoiID: 2, Type: "calls",
			Confidence: 0.5, Status: model.RelationshipPending, EvidenceType: "direct",
		})
		if err != nil {
			return err
		}
		relID = id
		for i := 0; i < 5; i++ {
			if _, _, err := store.InsertEvidence(ctx, tx, &model.RelationshipEvidence{
				RelationshipID: relID, AgentConfidence: 0.95, Payload: []byte(`{}`),
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	scorer := confidence.NewScorer(testConfidenceConfig())
	router := confidence.NewRouter(st, scorer)

	target, err := router.Route(ctx, relID)
	require.NoError(t, err)
	assert.Equal(t, config.QueueValidation, target)
}

func TestRouterRoutesToTriangulationWhenUnscored(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var relID int64
	require.NoError(t, st.Tx(ctx, func(tx *sqlx.Tx) error {
		id, err := store.InsertRelationship(ctx, tx, &model.Relationship{
			RunID: "run-1", SourcePoiID: 1, TargetPoiID: 2, Type: "calls",
			Confidence: 0.5, Status: model.RelationshipPending, EvidenceType: "direct",
		})
		relID = id
		return err
	}))

	scorer := confidence.NewScorer(testConfidenceConfig())
	router := confidence.NewRouter(st, scorer)

	target, err := router.Route(ctx, relID)
	require.NoError(t, err)
	assert.Equal(t, config.QueueTriangulation, target, "no evidence means zero uncertainty, which must escalate rather than silently pass validation")
}
