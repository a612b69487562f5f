package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/poigraph/corepipeline/pkg/model"
)

// InsertRelationship inserts one PENDING relationship candidate, returning
// its id (spec §4.7 RelationshipResolutionWorker: "persists candidates as
// PENDING relationships").
func InsertRelationship(ctx context.Context, tx *sqlx.Tx, r *model.Relationship) (int64, error) {
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO relationships (run_id, source_poi_id, target_poi_id, type, confidence, status, reason, evidence_type, evidence_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, r.SourcePoiID, r.TargetPoiID, r.Type, r.Confidence, model.RelationshipPending, r.Reason, r.EvidenceType, r.EvidenceHash, now, now)
	if err != nil {
		return 0, classifyWriteErr("store.InsertRelationship", err)
	}
	return res.LastInsertId()
}

// RelationshipExists reports whether a relationship with the given
// (source,target,type) already exists in runID — the dedup key spec §5
// names for relationship idempotency ("(source,target,type,run_id)").
func RelationshipExists(ctx context.Context, db sqlx.QueryerContext, runID string, sourcePoiID, targetPoiID int64, relType string) (bool, error) {
	var count int
	err := sqlx.GetContext(ctx, db, &count, `
		SELECT COUNT(*) FROM relationships
		WHERE run_id = ? AND source_poi_id = ? AND target_poi_id = ? AND type = ?
	`, runID, sourcePoiID, targetPoiID, relType)
	if err != nil {
		return false, classifyWriteErr("store.RelationshipExists", err)
	}
	return count > 0, nil
}

// GetRelationship fetches a relationship row by id.
func GetRelationship(ctx context.Context, db sqlx.QueryerContext, id int64) (*model.Relationship, error) {
	var r model.Relationship
	err := sqlx.GetContext(ctx, db, &r, `SELECT id, run_id, source_poi_id, target_poi_id, type, confidence, status, reason, evidence_type, evidence_hash, created_at, updated_at FROM relationships WHERE id = ?`, id)
	if err != nil {
		return nil, classifyWriteErr("store.GetRelationship", err)
	}
	return &r, nil
}

// UpdateRelationshipOutcome applies a ValidationWorker/TriangulationCoordinator
// decision: new status, confidence, and reason.
func UpdateRelationshipOutcome(ctx context.Context, tx *sqlx.Tx, id int64, status model.RelationshipStatus, confidence float64, reason string) error {
	_, err := tx.ExecContext(ctx, `UPDATE relationships SET status = ?, confidence = ?, reason = ?, updated_at = ? WHERE id = ?`,
		status, confidence, reason, time.Now().UTC(), id)
	return classifyWriteErr("store.UpdateRelationshipOutcome", err)
}

// ListEvidence returns every RelationshipEvidence row for a relationship,
// the accumulated evidence set E that ConfidenceScorer.calculate consumes
// (spec §4.10).
func ListEvidence(ctx context.Context, db sqlx.QueryerContext, relationshipID int64) ([]model.RelationshipEvidence, error) {
	var ev []model.RelationshipEvidence
	err := sqlx.SelectContext(ctx, db, &ev, `SELECT id, relationship_id, payload, agent_confidence, source_relationship_id, created_at FROM relationship_evidence WHERE relationship_id = ?`, relationshipID)
	if err != nil {
		return nil, classifyWriteErr("store.ListEvidence", err)
	}
	return ev, nil
}
