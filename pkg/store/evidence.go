package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/poigraph/corepipeline/pkg/corerr"
	"github.com/poigraph/corepipeline/pkg/model"
)

// maxEvidenceCycleHops bounds the ancestor walk of spec §4.8 ("a bounded
// depth-first walk (≤ 10 hops) up the chain").
const maxEvidenceCycleHops = 10

// InsertEvidence inserts a RelationshipEvidence row. When ev.SourceRelationshipID
// is set (derived evidence), it first walks the evidence graph upward —
// expressed as a recursive query with path tracking, per spec §4.8 — to
// check whether accepting this edge would close a cycle. If it would, the
// insert is rejected (no row is written) and the caller is told so it can
// downgrade the originating relationship (confidence clamped, status
// demoted unless other non-derived evidence supports it).
func InsertEvidence(ctx context.Context, tx *sqlx.Tx, ev *model.RelationshipEvidence) (id int64, cycleRejected bool, err error) {
	if ev.SourceRelationshipID != 0 {
		cyclic, werr := wouldCloseCycle(ctx, tx, ev.SourceRelationshipID, ev.RelationshipID)
		if werr != nil {
			return 0, false, corerr.TransientErr("store.InsertEvidence", werr)
		}
		if cyclic {
			return 0, true, nil
		}
	}

	var sourceRel any
	if ev.SourceRelationshipID != 0 {
		sourceRel = ev.SourceRelationshipID
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO relationship_evidence (relationship_id, payload, agent_confidence, source_relationship_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.RelationshipID, ev.Payload, ev.AgentConfidence, sourceRel, time.Now().UTC())
	if err != nil {
		return 0, false, classifyWriteErr("store.InsertEvidence", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, false, classifyWriteErr("store.InsertEvidence", err)
	}
	return rowID, false, nil
}

// wouldCloseCycle walks the derivation chain starting at startRelationshipID
// (the new evidence's source_relationship_id) up to maxEvidenceCycleHops
// hops, and reports whether targetRelationshipID (the relationship the new
// evidence would attach to) appears as an ancestor — which would close a
// cycle back onto itself.
func wouldCloseCycle(ctx context.Context, tx *sqlx.Tx, startRelationshipID, targetRelationshipID int64) (bool, error) {
	if startRelationshipID == targetRelationshipID {
		return true, nil
	}

	var found int
	err := tx.GetContext(ctx, &found, `
		WITH RECURSIVE ancestors(rel_id, depth) AS (
			SELECT source_relationship_id, 1
			FROM relationship_evidence
			WHERE relationship_id = ? AND source_relationship_id IS NOT NULL
			UNION
			SELECT re.source_relationship_id, a.depth + 1
			FROM relationship_evidence re
			JOIN ancestors a ON re.relationship_id = a.rel_id
			WHERE re.source_relationship_id IS NOT NULL AND a.depth < ?
		)
		SELECT COUNT(*) FROM ancestors WHERE rel_id = ?
	`, startRelationshipID, maxEvidenceCycleHops, targetRelationshipID)
	if err != nil {
		return false, err
	}
	return found > 0, nil
}

// DowngradeRelationship clamps confidence and demotes status to FAILED
// unless hasOtherEvidence is true, per spec §4.8's rejection handling.
func DowngradeRelationship(ctx context.Context, tx *sqlx.Tx, relationshipID int64, hasOtherEvidence bool, reason string) error {
	status := model.RelationshipFailed
	if hasOtherEvidence {
		status = model.RelationshipPending
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE relationships
		SET status = ?, confidence = MIN(confidence, 0.5), reason = ?, updated_at = ?
		WHERE id = ?
	`, status, reason, time.Now().UTC(), relationshipID)
	return classifyWriteErr("store.DowngradeRelationship", err)
}
