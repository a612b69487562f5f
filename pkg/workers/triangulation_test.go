package workers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poigraph/corepipeline/pkg/confidence"
	"github.com/poigraph/corepipeline/pkg/model"
	"github.com/poigraph/corepipeline/pkg/store"
	"github.com/poigraph/corepipeline/pkg/workers"
)

func TestTriangulationCoordinatorAcceptsOnHighConsensus(t *testing.T) {
	st := newTestStore(t)
	relID := insertRelationship(t, st, model.Relationship{RunID: "run-1", SourcePoiID: 1, TargetPoiID: 2, Type: "calls"})

	llm := &fakeLLM{body: `{"confidence":0.9}`}
	consensus := confidence.NewConsensus(testTriangulationConfig())
	c := workers.NewTriangulationCoordinator(st, llm, consensus, testTriangulationConfig())

	payload := mustJSON(t, model.TriangulationInput{RelationshipID: relID, RunID: "run-1"})
	require.NoError(t, c.Handle(context.Background(), &model.Job{ID: 1, RunID: "run-1", Payload: payload}))

	assert.GreaterOrEqual(t, llm.callCount(), 2, "spec requires >=2 distinct subagent analyses")

	rel, err := store.GetRelationship(context.Background(), st.DB(), relID)
	require.NoError(t, err)
	assert.Equal(t, model.RelationshipValidated, rel.Status)

	assert.Equal(t, 1, countRows(t, st, `SELECT COUNT(*) FROM outbox WHERE run_id = ? AND event_type = ?`, "run-1", model.EventGraphIngest))
	assert.Equal(t, 1, countRows(t, st, `SELECT COUNT(*) FROM triangulated_analysis_sessions WHERE relationship_id = ?`, relID))
}

func TestTriangulationCoordinatorRejectsOnLowConsensus(t *testing.T) {
	st := newTestStore(t)
	relID := insertRelationship(t, st, model.Relationship{RunID: "run-1", SourcePoiID: 1, TargetPoiID: 2, Type: "calls"})

	llm := &fakeLLM{body: `{"confidence":0.1}`}
	consensus := confidence.NewConsensus(testTriangulationConfig())
	c := workers.NewTriangulationCoordinator(st, llm, consensus, testTriangulationConfig())

	payload := mustJSON(t, model.TriangulationInput{RelationshipID: relID, RunID: "run-1"})
	require.NoError(t, c.Handle(context.Background(), &model.Job{ID: 1, RunID: "run-1", Payload: payload}))

	rel, err := store.GetRelationship(context.Background(), st.DB(), relID)
	require.NoError(t, err)
	assert.Equal(t, model.RelationshipFailed, rel.Status)
	assert.Equal(t, 0, countRows(t, st, `SELECT COUNT(*) FROM outbox WHERE run_id = ? AND event_type = ?`, "run-1", model.EventGraphIngest))
}

func TestTriangulationCoordinatorFailsSessionOnSubagentError(t *testing.T) {
	st := newTestStore(t)
	relID := insertRelationship(t, st, model.Relationship{RunID: "run-1", SourcePoiID: 1, TargetPoiID: 2, Type: "calls"})

	llm := &fakeLLM{body: "not json"}
	consensus := confidence.NewConsensus(testTriangulationConfig())
	c := workers.NewTriangulationCoordinator(st, llm, consensus, testTriangulationConfig())

	payload := mustJSON(t, model.TriangulationInput{RelationshipID: relID, RunID: "run-1"})
	err := c.Handle(context.Background(), &model.Job{ID: 1, RunID: "run-1", Payload: payload})
	require.Error(t, err)

	var status string
	require.NoError(t, st.DB().Get(&status, `SELECT status FROM triangulated_analysis_sessions WHERE relationship_id = ?`, relID))
	assert.Equal(t, string(model.SessionFailed), status)
}
