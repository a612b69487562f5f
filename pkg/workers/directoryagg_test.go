package workers_test

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/poigraph/corepipeline/pkg/model"
	"github.com/poigraph/corepipeline/pkg/store"
	"github.com/poigraph/corepipeline/pkg/workers"
)

func insertFile(t *testing.T, st *store.Store, runID, path string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, st.Tx(context.Background(), func(tx *sqlx.Tx) error {
		var err error
		id, err = store.UpsertFile(context.Background(), tx, runID, path, "hash")
		return err
	}))
	return id
}

func TestDirectoryAggWorkerInsertsMissingMappings(t *testing.T) {
	st := newTestStore(t)
	f1 := insertFile(t, st, "run-1", "pkg/foo.go")
	f2 := insertFile(t, st, "run-1", "pkg/bar.go")

	w := workers.NewDirectoryAggWorker(st)
	payload := mustJSON(t, model.DirectoryResolutionInput{DirectoryPath: "pkg", RunID: "run-1", FileIDs: []int64{f1, f2}})
	require.NoError(t, w.Handle(context.Background(), &model.Job{ID: 1, RunID: "run-1", Payload: payload}))

	ids, err := store.ListFileIDsInDirectory(context.Background(), st.DB(), "run-1", "pkg")
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{f1, f2}, ids)
}

func TestDirectoryAggWorkerIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	f1 := insertFile(t, st, "run-1", "pkg/foo.go")
	f2 := insertFile(t, st, "run-1", "pkg/bar.go")

	w := workers.NewDirectoryAggWorker(st)
	payload1 := mustJSON(t, model.DirectoryResolutionInput{DirectoryPath: "pkg", RunID: "run-1", FileIDs: []int64{f1}})
	require.NoError(t, w.Handle(context.Background(), &model.Job{ID: 1, RunID: "run-1", Payload: payload1}))

	// Redelivery with an overlapping + a new file id must not duplicate f1.
	payload2 := mustJSON(t, model.DirectoryResolutionInput{DirectoryPath: "pkg", RunID: "run-1", FileIDs: []int64{f1, f2}})
	require.NoError(t, w.Handle(context.Background(), &model.Job{ID: 2, RunID: "run-1", Payload: payload2}))

	ids, err := store.ListFileIDsInDirectory(context.Background(), st.DB(), "run-1", "pkg")
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{f1, f2}, ids)
}
