package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/poigraph/corepipeline/pkg/model"
)

// UpsertFile inserts a file row, or — if (run_id, file_path) already
// exists — updates its hash and resets status to pending (spec §3 File
// invariant: "re-ingest updates hash and resets status"). Returns the row id.
func UpsertFile(ctx context.Context, tx *sqlx.Tx, runID, path, hash string) (int64, error) {
	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO files (run_id, file_path, hash, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, file_path) DO UPDATE SET
			hash = excluded.hash,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, runID, path, hash, model.FileStatusPending, now, now)
	if err != nil {
		return 0, classifyWriteErr("store.UpsertFile", err)
	}

	var id int64
	if err := tx.GetContext(ctx, &id, `SELECT id FROM files WHERE run_id = ? AND file_path = ?`, runID, path); err != nil {
		return 0, classifyWriteErr("store.UpsertFile", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// ON CONFLICT path: RowsAffected may report 0 on some drivers even
		// though the update applied; the SELECT above is authoritative.
		_ = n
	}
	return id, nil
}

// SetFileStatus transitions a file's status (e.g. to processed or failed).
func SetFileStatus(ctx context.Context, tx *sqlx.Tx, fileID int64, status model.FileStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE files SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), fileID)
	return classifyWriteErr("store.SetFileStatus", err)
}

// GetFile fetches a file row by id.
func GetFile(ctx context.Context, db sqlx.QueryerContext, fileID int64) (*model.File, error) {
	var f model.File
	err := sqlx.GetContext(ctx, db, &f, `SELECT id, run_id, file_path AS path, hash, status, created_at, updated_at FROM files WHERE id = ?`, fileID)
	if err != nil {
		return nil, classifyWriteErr("store.GetFile", err)
	}
	return &f, nil
}
