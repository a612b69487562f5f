// Package outbox implements the OutboxPublisher (spec §4.6): a
// single-consumer loop that reserves PENDING outbox events, translates each
// into one or more queue jobs, and marks it PUBLISHED — atomically, so an
// event is PUBLISHED iff its derived jobs are durably enqueued.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/google/uuid"

	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/corerr"
	"github.com/poigraph/corepipeline/pkg/model"
	"github.com/poigraph/corepipeline/pkg/queue"
	"github.com/poigraph/corepipeline/pkg/store"
)

// RelationshipRouter decides which queue a relationship-found event's
// derived job should land on, using accumulated evidence and the
// ConfidenceScorer — the "based on the scorer's output" routing spec §4.6
// calls out as the one event kind the publisher cannot translate
// mechanically.
type RelationshipRouter interface {
	Route(ctx context.Context, relationshipID int64) (targetQueue string, err error)
}

// Publisher is the OutboxPublisher.
type Publisher struct {
	id     string
	store  *store.Store
	broker *queue.Broker
	router RelationshipRouter
	cfg    config.OutboxConfig
	bp     map[string]config.BackpressureConfig
}

// New builds a Publisher. router decides relationship-found routing; every
// other event kind translates to a fixed queue.
func New(st *store.Store, broker *queue.Broker, router RelationshipRouter, cfg config.OutboxConfig, bp map[string]config.BackpressureConfig) *Publisher {
	return &Publisher{
		id:     "outbox-" + uuid.NewString(),
		store:  st,
		broker: broker,
		router: router,
		cfg:    cfg,
		bp:     bp,
	}
}

// Run ticks every cfg.TickInterval until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				slog.Error("outbox: tick failed", "error", err)
			}
		}
	}
}

// Tick reserves up to cfg.BatchSize PENDING events and publishes each in
// ascending id order, one transaction per event (spec §4.6 steps 1-3).
func (p *Publisher) Tick(ctx context.Context) error {
	events, err := store.ReserveOutboxEvents(ctx, p.store.DB(), p.id, p.cfg.BatchSize, p.cfg.ReservationTimeout)
	if err != nil {
		return fmt.Errorf("reserve outbox events: %w", err)
	}

	for _, ev := range events {
		err := p.publishOne(ctx, ev)
		if err == nil {
			continue
		}

		if errors.Is(err, corerr.ErrBackpressure) {
			if relErr := store.ReleaseOutboxEvent(ctx, p.store.DB(), ev.ID); relErr != nil {
				slog.Error("outbox: failed to release backpressured event", "event_id", ev.ID, "error", relErr)
			}
			slog.Debug("outbox: event skipped, target queue backpressured", "event_id", ev.ID, "event_type", ev.EventType)
			continue
		}

		attempts := ev.Attempts + 1
		if markErr := store.MarkOutboxFailedAttempt(ctx, p.store.DB(), ev.ID, attempts, p.cfg.MaxAttempts, err.Error()); markErr != nil {
			slog.Error("outbox: failed to record failed attempt", "event_id", ev.ID, "error", markErr)
		}
		slog.Warn("outbox: event publish failed", "event_id", ev.ID, "event_type", ev.EventType, "attempts", attempts, "error", err)
	}
	return nil
}

// publishOne translates ev's payload into jobs and marks it PUBLISHED, all
// inside one transaction (spec §4.6 step 2).
func (p *Publisher) publishOne(ctx context.Context, ev model.OutboxEvent) error {
	return p.store.Tx(ctx, func(tx *sqlx.Tx) error {
		targetQueue, payloads, err := p.translate(ctx, ev)
		if err != nil {
			return err
		}

		if bp, ok := p.bp[targetQueue]; ok {
			depth, cerr := p.broker.Counts(ctx, targetQueue)
			if cerr != nil {
				return cerr
			}
			if depth >= bp.High {
				return corerr.TransientErr("outbox.publishOne", corerr.ErrBackpressure)
			}
		}

		if _, err := p.broker.EnqueueBulk(ctx, tx, targetQueue, ev.RunID, payloads); err != nil {
			return err
		}
		return store.MarkOutboxPublished(ctx, tx, ev.ID)
	})
}

// translate implements the event-specific side effect of spec §4.6 step 2.
func (p *Publisher) translate(ctx context.Context, ev model.OutboxEvent) (targetQueue string, payloads [][]byte, err error) {
	switch ev.EventType {
	case model.EventPOICreated:
		var pl model.POICreatedPayload
		if err := json.Unmarshal(ev.Payload, &pl); err != nil {
			return "", nil, corerr.DomainErr("outbox.translate.poi-created", err)
		}
		jobs := make([][]byte, 0, len(pl.POIIDs))
		for _, id := range pl.POIIDs {
			b, err := json.Marshal(model.RelationshipResolutionInput{POIID: id, RunID: pl.RunID})
			if err != nil {
				return "", nil, corerr.DomainErr("outbox.translate.poi-created", err)
			}
			jobs = append(jobs, b)
		}
		return config.QueueRelationshipResolution, jobs, nil

	case model.EventRelationshipFound:
		var pl model.RelationshipFoundPayload
		if err := json.Unmarshal(ev.Payload, &pl); err != nil {
			return "", nil, corerr.DomainErr("outbox.translate.relationship-found", err)
		}
		target, err := p.router.Route(ctx, pl.RelationshipID)
		if err != nil {
			return "", nil, err
		}
		var input any
		if target == config.QueueTriangulation {
			input = model.TriangulationInput{RelationshipID: pl.RelationshipID, RunID: pl.RunID}
		} else {
			input = model.ValidationInput{RelationshipID: pl.RelationshipID, RunID: pl.RunID}
		}
		b, err := json.Marshal(input)
		if err != nil {
			return "", nil, corerr.DomainErr("outbox.translate.relationship-found", err)
		}
		return target, [][]byte{b}, nil

	case model.EventGraphIngest:
		var pl model.GraphIngestPayload
		if err := json.Unmarshal(ev.Payload, &pl); err != nil {
			return "", nil, corerr.DomainErr("outbox.translate.graph-ingest", err)
		}
		b, err := json.Marshal(model.GraphIngestBatch{RunID: pl.RunID, RelationshipIDs: []int64{pl.RelationshipID}})
		if err != nil {
			return "", nil, corerr.DomainErr("outbox.translate.graph-ingest", err)
		}
		return config.QueueGraphIngest, [][]byte{b}, nil

	case model.EventTriangulationRequest:
		var pl model.TriangulationRequestPayload
		if err := json.Unmarshal(ev.Payload, &pl); err != nil {
			return "", nil, corerr.DomainErr("outbox.translate.triangulation-request", err)
		}
		b, err := json.Marshal(model.TriangulationInput{RelationshipID: pl.RelationshipID, RunID: pl.RunID})
		if err != nil {
			return "", nil, corerr.DomainErr("outbox.translate.triangulation-request", err)
		}
		return config.QueueTriangulation, [][]byte{b}, nil

	default:
		return "", nil, corerr.DomainErr("outbox.translate", fmt.Errorf("%w: %s", corerr.ErrUnknownEventTag, ev.EventType))
	}
}
