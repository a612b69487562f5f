package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/poigraph/corepipeline/pkg/model"
)

// UpsertPOIs inserts pois, upserting on (run_id, semantic_id) where
// semantic_id is set (spec §4.7 FileAnalysisWorker: "insert is an upsert
// on (run_id, semantic_id)"), then re-queries to return their ids in the
// same order as the input slice — the re-query step §4.7 requires so
// downstream jobs reference stable ids.
func UpsertPOIs(ctx context.Context, tx *sqlx.Tx, pois []model.POI) ([]int64, error) {
	now := time.Now().UTC()
	ids := make([]int64, len(pois))

	for i, p := range pois {
		var semanticID any
		if p.SemanticID != "" {
			semanticID = p.SemanticID
		}

		if p.SemanticID != "" {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO pois (run_id, file_id, file_path, name, category, start_line, end_line, is_exported, semantic_id, analysis_quality_score, refs, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (run_id, semantic_id) DO UPDATE SET
					file_id = excluded.file_id,
					file_path = excluded.file_path,
					name = excluded.name,
					category = excluded.category,
					start_line = excluded.start_line,
					end_line = excluded.end_line,
					is_exported = excluded.is_exported,
					analysis_quality_score = excluded.analysis_quality_score,
					refs = excluded.refs
			`, p.RunID, p.FileID, p.FilePath, p.Name, p.Category, p.StartLine, p.EndLine, p.IsExported, semanticID, p.AnalysisQualityScore, p.Refs, now)
			if err != nil {
				return nil, classifyWriteErr("store.UpsertPOIs", err)
			}
			_ = res

			var id int64
			if err := tx.GetContext(ctx, &id, `SELECT id FROM pois WHERE run_id = ? AND semantic_id = ?`, p.RunID, p.SemanticID); err != nil {
				return nil, classifyWriteErr("store.UpsertPOIs", err)
			}
			ids[i] = id
			continue
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO pois (run_id, file_id, file_path, name, category, start_line, end_line, is_exported, semantic_id, analysis_quality_score, refs, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)
		`, p.RunID, p.FileID, p.FilePath, p.Name, p.Category, p.StartLine, p.EndLine, p.IsExported, p.AnalysisQualityScore, p.Refs, now)
		if err != nil {
			return nil, classifyWriteErr("store.UpsertPOIs", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, classifyWriteErr("store.UpsertPOIs", err)
		}
		ids[i] = id
	}

	return ids, nil
}

const poiColumns = `id, run_id, file_id, file_path, name, category, start_line, end_line, is_exported, semantic_id, analysis_quality_score, refs, created_at`

// GetPOI fetches a POI row by id.
func GetPOI(ctx context.Context, db sqlx.QueryerContext, id int64) (*model.POI, error) {
	var p model.POI
	err := sqlx.GetContext(ctx, db, &p, `SELECT `+poiColumns+` FROM pois WHERE id = ?`, id)
	if err != nil {
		return nil, classifyWriteErr("store.GetPOI", err)
	}
	return &p, nil
}

// POIExistsInRun reports whether id resolves to a POI belonging to runID,
// the check ValidateRelationship needs for the VALIDATED invariant (spec §3).
func POIExistsInRun(ctx context.Context, db sqlx.QueryerContext, id int64, runID string) (bool, error) {
	var count int
	if err := sqlx.GetContext(ctx, db, &count, `SELECT COUNT(*) FROM pois WHERE id = ? AND run_id = ?`, id, runID); err != nil {
		return false, classifyWriteErr("store.POIExistsInRun", err)
	}
	return count > 0, nil
}

// ListPOIsForScope returns every POI of runID whose file id is in fileIDs
// (one file, or a directory's files), for the O(n) lookup-map
// construction of spec §4.11.
func ListPOIsForScope(ctx context.Context, db sqlx.QueryerContext, runID string, fileIDs []int64) ([]model.POI, error) {
	if len(fileIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+poiColumns+` FROM pois WHERE run_id = ? AND file_id IN (?)`, runID, fileIDs)
	if err != nil {
		return nil, err
	}
	query = sqlx.Rebind(sqlx.BindType("sqlite3"), query)
	var pois []model.POI
	if err := sqlx.SelectContext(ctx, db, &pois, query, args...); err != nil {
		return nil, classifyWriteErr("store.ListPOIsForScope", err)
	}
	return pois, nil
}
