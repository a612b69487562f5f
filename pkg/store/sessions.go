package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/poigraph/corepipeline/pkg/model"
)

// CreateTriangulationSession creates a PENDING session for an escalated
// relationship (spec §3: "one per escalated relationship").
func CreateTriangulationSession(ctx context.Context, tx *sqlx.Tx, runID string, relationshipID int64) (int64, error) {
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO triangulated_analysis_sessions (run_id, relationship_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, runID, relationshipID, model.SessionPending, now, now)
	if err != nil {
		return 0, classifyWriteErr("store.CreateTriangulationSession", err)
	}
	return res.LastInsertId()
}

// InsertSubagentAnalysis records one subagent's result within a session.
func InsertSubagentAnalysis(ctx context.Context, tx *sqlx.Tx, a *model.SubagentAnalysis) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO subagent_analyses (session_id, agent_type, status, confidence_score, processing_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.SessionID, a.AgentType, a.Status, a.ConfidenceScore, a.ProcessingTimeMS, time.Now().UTC())
	if err != nil {
		return 0, classifyWriteErr("store.InsertSubagentAnalysis", err)
	}
	return res.LastInsertId()
}

// CompleteTriangulationSession is the session's single write transition
// (spec §4.7 TriangulationCoordinator: "the session transition is the only
// write"): it records the ConsensusDecision and moves the session to its
// terminal state in one call.
func CompleteTriangulationSession(ctx context.Context, tx *sqlx.Tx, sessionID int64, decision *model.ConsensusDecision, finalConfidence float64) error {
	now := time.Now().UTC()

	status := model.SessionCompleted
	errMsg := ""
	if decision.FinalDecision == model.DecisionEscalate {
		status = model.SessionFailed
		errMsg = "escalation bound reached; forced decision"
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO consensus_decisions (session_id, final_decision, weighted_consensus, conflict_detected, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, decision.FinalDecision, decision.WeightedConsensus, decision.ConflictDetected, now); err != nil {
		return classifyWriteErr("store.CompleteTriangulationSession", err)
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE triangulated_analysis_sessions
		SET status = ?, final_confidence = ?, consensus_score = ?, error_message = ?, updated_at = ?
		WHERE id = ?
	`, status, finalConfidence, decision.WeightedConsensus, errMsg, now, sessionID)
	return classifyWriteErr("store.CompleteTriangulationSession", err)
}

// FailTriangulationSession demotes an incomplete session to FAILED on
// recovery (spec §3: "otherwise the session is automatically demoted to
// FAILED on recovery").
func FailTriangulationSession(ctx context.Context, tx *sqlx.Tx, sessionID int64, errMsg string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE triangulated_analysis_sessions
		SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status != ?
	`, model.SessionFailed, errMsg, time.Now().UTC(), sessionID, model.SessionCompleted)
	return classifyWriteErr("store.FailTriangulationSession", err)
}

// CountTriangulationSessionsForRelationship reports how many triangulation
// sessions have already run for relationshipID, the escalation counter
// spec §4.10's consensus arithmetic needs ("bounded to one re-escalation").
func CountTriangulationSessionsForRelationship(ctx context.Context, db sqlx.QueryerContext, relationshipID int64) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, db, &count, `SELECT COUNT(*) FROM triangulated_analysis_sessions WHERE relationship_id = ?`, relationshipID)
	if err != nil {
		return 0, classifyWriteErr("store.CountTriangulationSessionsForRelationship", err)
	}
	return count, nil
}

// ListSubagentAnalyses returns every subagent result for a session, the
// input to the consensus arithmetic of spec §4.10.
func ListSubagentAnalyses(ctx context.Context, db sqlx.QueryerContext, sessionID int64) ([]model.SubagentAnalysis, error) {
	var rows []model.SubagentAnalysis
	err := sqlx.SelectContext(ctx, db, &rows, `SELECT id, session_id, agent_type, status, confidence_score, processing_time_ms, created_at FROM subagent_analyses WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, classifyWriteErr("store.ListSubagentAnalyses", err)
	}
	return rows, nil
}

// ReconcileIncompleteSessions demotes every RUNNING/PENDING session to
// FAILED at start-up, the §9 recovery behavior for crashed triangulations.
func ReconcileIncompleteSessions(ctx context.Context, db *sqlx.DB) (int, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE triangulated_analysis_sessions
		SET status = ?, error_message = 'recovered incomplete session at start-up', updated_at = ?
		WHERE status IN (?, ?)
	`, model.SessionFailed, time.Now().UTC(), model.SessionPending, model.SessionRunning)
	if err != nil {
		return 0, classifyWriteErr("store.ReconcileIncompleteSessions", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
