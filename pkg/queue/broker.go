// Package queue implements the QueueBroker: named FIFO job queues backed by
// the relational store's jobs table, with visibility-timeout reservations,
// at-least-once delivery, and dead-lettering (spec §4.2).
//
// The claim sequence below is grounded in the teacher's
// Worker.claimNextSession (query candidate, claim, re-fetch, commit, all
// inside one transaction); SQLite has no `FOR UPDATE SKIP LOCKED`, so the
// broker relies instead on the store's single-writer connection pool
// (SetMaxOpenConns(1)) to make the claim transaction effectively
// serialized, and on a `visible_at <= now` predicate doing the job SKIP
// LOCKED would otherwise do.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/corerr"
	"github.com/poigraph/corepipeline/pkg/model"
)

// Broker is the QueueBroker: enqueue/reserve/ack/nack over named queues.
type Broker struct {
	db  *sqlx.DB
	cfg config.QueueConfig
}

// New wraps db (the store's write handle) as a Broker.
func New(db *sqlx.DB, cfg config.QueueConfig) *Broker {
	return &Broker{db: db, cfg: cfg}
}

// Enqueue inserts one immediately-visible job into queue, within tx — the
// same transaction that inserted the domain rows the job references, so an
// enqueue never outlives (or is outlived by) the write it describes.
func (b *Broker) Enqueue(ctx context.Context, tx *sqlx.Tx, queue, runID string, payload []byte) (int64, error) {
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (queue, run_id, payload, attempts, visible_at, created_at)
		VALUES (?, ?, ?, 0, ?, ?)
	`, queue, runID, payload, now, now)
	if err != nil {
		return 0, corerr.TransientErr("queue.Enqueue", err)
	}
	return res.LastInsertId()
}

// EnqueueBulk enqueues every payload in payloads onto queue, in order,
// within tx (spec §4.2 enqueueBulk; spec §4.6 step 2: "translate payload
// into one or more jobs and enqueueBulk").
func (b *Broker) EnqueueBulk(ctx context.Context, tx *sqlx.Tx, queue, runID string, payloads [][]byte) ([]int64, error) {
	ids := make([]int64, 0, len(payloads))
	for _, p := range payloads {
		id, err := b.Enqueue(ctx, tx, queue, runID, p)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Reserve claims the oldest currently-visible job on queue for workerID,
// hiding it until now+visibilityTimeout, and returns it. If no job is
// visible it returns corerr.ErrNoJobAvailable — callers should back off and
// poll again, mirroring the teacher's pollAndProcess/ErrNoSessionsAvailable
// handling in its run loop.
func (b *Broker) Reserve(ctx context.Context, queue, workerID string, visibilityTimeout time.Duration) (*model.Job, error) {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, corerr.TransientErr("queue.Reserve", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var id int64
	err = tx.GetContext(ctx, &id, `
		SELECT id FROM jobs WHERE queue = ? AND visible_at <= ? ORDER BY id ASC LIMIT 1
	`, queue, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, corerr.ErrNoJobAvailable
		}
		return nil, corerr.TransientErr("queue.Reserve", err)
	}

	newVisible := now.Add(visibilityTimeout)
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET reserved_by = ?, visible_at = ? WHERE id = ? AND visible_at <= ?
	`, workerID, newVisible, id, now); err != nil {
		return nil, corerr.TransientErr("queue.Reserve", err)
	}

	var job model.Job
	if err := tx.GetContext(ctx, &job, `
		SELECT id, queue, run_id, payload, attempts, visible_at, reserved_by, last_error, created_at
		FROM jobs WHERE id = ?
	`, id); err != nil {
		return nil, corerr.TransientErr("queue.Reserve", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, corerr.TransientErr("queue.Reserve", err)
	}
	return &job, nil
}

// Ack deletes job, the terminal step of a successful at-least-once
// delivery (spec §4.2: "broker.ack(job)").
func (b *Broker) Ack(ctx context.Context, job *model.Job) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, job.ID)
	if err != nil {
		return corerr.TransientErr("queue.Ack", err)
	}
	return nil
}

// Nack returns job to its queue, visible again after delay, bumping its
// attempt count. Once attempts reaches cfg.MaxAttempts the job is moved to
// its queue's dead-letter sub-queue instead (spec §4.2: "a job that
// exhausts retries moves to a dead-letter sub-queue, never dropped
// silently") rather than being requeued again.
func (b *Broker) Nack(ctx context.Context, job *model.Job, delay time.Duration) error {
	attempts := job.Attempts + 1
	now := time.Now().UTC()

	if attempts >= b.cfg.MaxAttempts {
		_, err := b.db.ExecContext(ctx, `
			UPDATE jobs SET queue = ?, attempts = ?, reserved_by = NULL, visible_at = ? WHERE id = ?
		`, job.Queue+config.QueueDeadLetterSuffix, attempts, now, job.ID)
		if err != nil {
			return corerr.DomainErr("queue.Nack.deadletter", err)
		}
		return nil
	}

	_, err := b.db.ExecContext(ctx, `
		UPDATE jobs SET attempts = ?, reserved_by = NULL, visible_at = ? WHERE id = ?
	`, attempts, now.Add(delay), job.ID)
	if err != nil {
		return corerr.TransientErr("queue.Nack", err)
	}
	return nil
}

// DeadLetter moves job to its queue's dead-letter sub-queue immediately,
// without waiting for attempts to exhaust (spec §4.7 worker shape: "catch
// (fatal) { ...; broker.deadletter(job, reason) }" — schema violations and
// decoded-but-malformed payloads are never worth retrying).
func (b *Broker) DeadLetter(ctx context.Context, job *model.Job, reason string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE jobs SET queue = ?, last_error = ?, reserved_by = NULL WHERE id = ?
	`, job.Queue+config.QueueDeadLetterSuffix, reason, job.ID)
	if err != nil {
		return corerr.DomainErr("queue.DeadLetter", err)
	}
	return nil
}

// Counts reports the number of jobs currently sitting in queue (reserved or
// not), the job-count introspection spec §4.2 names as `counts(queue)`.
func (b *Broker) Counts(ctx context.Context, queue string) (int, error) {
	var n int
	err := b.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM jobs WHERE queue = ?`, queue)
	if err != nil {
		return 0, corerr.TransientErr("queue.Counts", err)
	}
	return n, nil
}

// Workers reports how many distinct workers currently hold an unexpired
// reservation against queue, the `workers(queue)` introspection spec §4.2
// names, repurposing the teacher's per-worker activity tracking
// (Worker.Health/WorkerHealth) as a store-derived count instead of an
// in-process registry.
func (b *Broker) Workers(ctx context.Context, queue string) (int, error) {
	var n int
	err := b.db.GetContext(ctx, &n, `
		SELECT COUNT(DISTINCT reserved_by) FROM jobs
		WHERE queue = ? AND reserved_by IS NOT NULL AND visible_at > ?
	`, queue, time.Now().UTC())
	if err != nil {
		return 0, corerr.TransientErr("queue.Workers", err)
	}
	return n, nil
}
