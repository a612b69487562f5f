package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/poigraph/corepipeline/pkg/model"
)

// AppendRunStatus appends one transition to the run's append-only log
// (spec §3 RunStatus).
func AppendRunStatus(ctx context.Context, db *sqlx.DB, runID string, state model.RunStatusState, metadata []byte) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO run_status (run_id, state, metadata, created_at) VALUES (?, ?, ?, ?)
	`, runID, state, metadata, time.Now().UTC())
	return classifyWriteErr("store.AppendRunStatus", err)
}

// LatestRunStatus returns the most recent transition for a run.
func LatestRunStatus(ctx context.Context, db *sqlx.DB, runID string) (*model.RunStatus, error) {
	var rs model.RunStatus
	err := db.GetContext(ctx, &rs, `
		SELECT id, run_id, state, metadata, created_at FROM run_status
		WHERE run_id = ? ORDER BY id DESC LIMIT 1
	`, runID)
	if err != nil {
		return nil, classifyWriteErr("store.LatestRunStatus", err)
	}
	return &rs, nil
}

// InsertDirectoryFileMapping records that fileID belongs to dirPath within
// a run, feeding the §4.11 directory-scope lookup maps.
func InsertDirectoryFileMapping(ctx context.Context, tx *sqlx.Tx, runID, dirPath string, fileID int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO directory_file_mappings (run_id, directory_path, file_id) VALUES (?, ?, ?)
	`, runID, dirPath, fileID)
	return classifyWriteErr("store.InsertDirectoryFileMapping", err)
}

// ListFileIDsInDirectory returns every file id mapped to dirPath in a run.
func ListFileIDsInDirectory(ctx context.Context, db sqlx.QueryerContext, runID, dirPath string) ([]int64, error) {
	var ids []int64
	err := sqlx.SelectContext(ctx, db, &ids, `SELECT file_id FROM directory_file_mappings WHERE run_id = ? AND directory_path = ?`, runID, dirPath)
	if err != nil {
		return nil, classifyWriteErr("store.ListFileIDsInDirectory", err)
	}
	return ids, nil
}
