package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/poigraph/corepipeline/pkg/model"
)

// InsertOutboxEvent inserts one PENDING outbox event, intended to be called
// in the same transaction as the domain rows it describes (spec §5
// ordering guarantee: "POI inserts and their poi-created outbox row are in
// the same transaction").
func InsertOutboxEvent(ctx context.Context, tx *sqlx.Tx, runID string, eventType model.OutboxEventType, payload []byte) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (run_id, event_type, payload, status, attempts, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, runID, eventType, payload, model.OutboxPending, time.Now().UTC())
	if err != nil {
		return 0, classifyWriteErr("store.InsertOutboxEvent", err)
	}
	return res.LastInsertId()
}

// ReserveOutboxEvents atomically flips up to limit PENDING events (in
// ascending id order) to RESERVING under publisherID, simulating `SELECT
// ... FOR UPDATE` via an atomic status flip (spec §4.6 step 1). Stale
// reservations older than reservationTimeout are reclaimed first.
func ReserveOutboxEvents(ctx context.Context, db *sqlx.DB, publisherID string, limit int, reservationTimeout time.Duration) ([]model.OutboxEvent, error) {
	staleCutoff := time.Now().UTC().Add(-reservationTimeout)
	if _, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, reserved_by = NULL, reserved_at = NULL
		WHERE status = ? AND reserved_at < ?
	`, model.OutboxPending, model.OutboxReserving, staleCutoff); err != nil {
		return nil, classifyWriteErr("store.ReserveOutboxEvents", err)
	}

	var ids []int64
	err := db.SelectContext(ctx, &ids, `
		SELECT id FROM outbox WHERE status = ? ORDER BY id ASC LIMIT ?
	`, model.OutboxPending, limit)
	if err != nil {
		return nil, classifyWriteErr("store.ReserveOutboxEvents", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	query, args, err := sqlx.In(`UPDATE outbox SET status = ?, reserved_by = ?, reserved_at = ? WHERE id IN (?) AND status = ?`,
		model.OutboxReserving, publisherID, now, ids, model.OutboxPending)
	if err != nil {
		return nil, err
	}
	query = sqlx.Rebind(sqlx.BindType("sqlite3"), query)
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return nil, classifyWriteErr("store.ReserveOutboxEvents", err)
	}

	selQuery, selArgs, err := sqlx.In(`SELECT id, run_id, event_type, payload, status, attempts, last_error, reserved_by, reserved_at, created_at, published_at FROM outbox WHERE id IN (?) ORDER BY id ASC`, ids)
	if err != nil {
		return nil, err
	}
	selQuery = sqlx.Rebind(sqlx.BindType("sqlite3"), selQuery)
	var events []model.OutboxEvent
	if err := sqlx.SelectContext(ctx, db, &events, selQuery, selArgs...); err != nil {
		return nil, classifyWriteErr("store.ReserveOutboxEvents", err)
	}
	return events, nil
}

// MarkOutboxPublished transitions a reserved event to PUBLISHED. Called
// inside the same transaction as the event's derived jobs' enqueueBulk
// (spec §4.6 step 2).
func MarkOutboxPublished(ctx context.Context, tx *sqlx.Tx, eventID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE outbox SET status = ?, published_at = ? WHERE id = ?`, model.OutboxPublished, time.Now().UTC(), eventID)
	return classifyWriteErr("store.MarkOutboxPublished", err)
}

// ReleaseOutboxEvent returns a reserved event to PENDING untouched —
// attempts and last_error are left as they were — for a publish skipped
// because its target queue is backpressured rather than failed (spec §5:
// backpressure "never blocks progress... revisiting them on the next
// tick" must not count against the event's retry budget).
func ReleaseOutboxEvent(ctx context.Context, db *sqlx.DB, eventID int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, reserved_by = NULL, reserved_at = NULL WHERE id = ?
	`, model.OutboxPending, eventID)
	return classifyWriteErr("store.ReleaseOutboxEvent", err)
}

// MarkOutboxFailedAttempt rolls an event back to PENDING (retry) or FAILED
// (attempts exhausted), recording lastErr (spec §4.6 step 3).
func MarkOutboxFailedAttempt(ctx context.Context, db *sqlx.DB, eventID int64, attempts, maxAttempts int, lastErr string) error {
	status := model.OutboxPending
	if attempts >= maxAttempts {
		status = model.OutboxFailed
	}
	_, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, attempts = ?, last_error = ?, reserved_by = NULL, reserved_at = NULL
		WHERE id = ?
	`, status, attempts, lastErr, eventID)
	return classifyWriteErr("store.MarkOutboxFailedAttempt", err)
}

// CountPendingOutboxForRun reports outstanding PENDING/RESERVING events for
// a run, the P10 run-termination check ("no PENDING outbox events for the
// run").
func CountPendingOutboxForRun(ctx context.Context, db *sqlx.DB, runID string) (int, error) {
	var count int
	err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM outbox WHERE run_id = ? AND status IN (?, ?)`, runID, model.OutboxPending, model.OutboxReserving)
	if err != nil {
		return 0, classifyWriteErr("store.CountPendingOutboxForRun", err)
	}
	return count, nil
}
