package outbox_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/model"
	"github.com/poigraph/corepipeline/pkg/outbox"
	"github.com/poigraph/corepipeline/pkg/queue"
	"github.com/poigraph/corepipeline/pkg/store"
)

type fakeRouter struct{ target string }

func (f fakeRouter) Route(ctx context.Context, relationshipID int64) (string, error) {
	return f.target, nil
}

func newHarness(t *testing.T, router outbox.RelationshipRouter) (*store.Store, *queue.Broker, *outbox.Publisher) {
	t.Helper()
	st, err := store.Open(context.Background(), config.StoreConfig{
		Path:              filepath.Join(t.TempDir(), "test.db"),
		WALEnabled:        true,
		BusyTimeout:       2 * time.Second,
		MigrationsEnabled: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	qcfg := config.QueueConfig{MaxAttempts: 5, BaseDelay: time.Second, BackoffFactor: 2, JitterFraction: 0.2, VisibilityTimeout: 30 * time.Second}
	broker := queue.New(st.DB(), qcfg)

	ocfg := config.OutboxConfig{BatchSize: 10, ReservationTimeout: time.Minute, MaxAttempts: 3, TickInterval: time.Hour}
	bp := map[string]config.BackpressureConfig{
		config.QueueRelationshipResolution: {High: 500, Low: 100},
		config.QueueValidation:             {High: 500, Low: 100},
		config.QueueTriangulation:          {High: 500, Low: 100},
		config.QueueGraphIngest:            {High: 500, Low: 100},
	}
	pub := outbox.New(st, broker, router, ocfg, bp)
	return st, broker, pub
}

func TestPOICreatedFansOutToRelationshipResolution(t *testing.T) {
	st, broker, pub := newHarness(t, fakeRouter{target: config.QueueValidation})
	ctx := context.Background()

	payload, err := json.Marshal(model.POICreatedPayload{RunID: "run-1", FileID: 1, POIIDs: []int64{10, 20, 30}})
	require.NoError(t, err)

	require.NoError(t, st.Tx(ctx, func(tx *sqlx.Tx) error {
		_, err := store.InsertOutboxEvent(ctx, tx, "run-1", model.EventPOICreated, payload)
		return err
	}))

	require.NoError(t, pub.Tick(ctx))

	n, err := broker.Counts(ctx, config.QueueRelationshipResolution)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	pending, err := store.CountPendingOutboxForRun(ctx, st.DB(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestRelationshipFoundRoutesToTriangulationWhenEscalated(t *testing.T) {
	st, broker, pub := newHarness(t, fakeRouter{target: config.QueueTriangulation})
	ctx := context.Background()

	payload, err := json.Marshal(model.RelationshipFoundPayload{RunID: "run-1", RelationshipID: 42})
	require.NoError(t, err)
	require.NoError(t, st.Tx(ctx, func(tx *sqlx.Tx) error {
		_, err := store.InsertOutboxEvent(ctx, tx, "run-1", model.EventRelationshipFound, payload)
		return err
	}))

	require.NoError(t, pub.Tick(ctx))

	n, err := broker.Counts(ctx, config.QueueTriangulation)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = broker.Counts(ctx, config.QueueValidation)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBackpressureReleasesWithoutConsumingRetryBudget(t *testing.T) {
	st, err := store.Open(context.Background(), config.StoreConfig{
		Path:              filepath.Join(t.TempDir(), "test.db"),
		WALEnabled:        true,
		BusyTimeout:       2 * time.Second,
		MigrationsEnabled: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	qcfg := config.QueueConfig{MaxAttempts: 5, BaseDelay: time.Second, BackoffFactor: 2, JitterFraction: 0.2, VisibilityTimeout: 30 * time.Second}
	broker := queue.New(st.DB(), qcfg)

	ocfg := config.OutboxConfig{BatchSize: 10, ReservationTimeout: time.Minute, MaxAttempts: 2, TickInterval: time.Hour}
	bp := map[string]config.BackpressureConfig{config.QueueRelationshipResolution: {High: 0, Low: 0}}
	pub := outbox.New(st, broker, fakeRouter{target: config.QueueValidation}, ocfg, bp)
	ctx := context.Background()

	payload, err := json.Marshal(model.POICreatedPayload{RunID: "run-1", FileID: 1, POIIDs: []int64{10}})
	require.NoError(t, err)
	require.NoError(t, st.Tx(ctx, func(tx *sqlx.Tx) error {
		_, err := store.InsertOutboxEvent(ctx, tx, "run-1", model.EventPOICreated, payload)
		return err
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, pub.Tick(ctx))
	}

	var status string
	var attempts int
	require.NoError(t, st.DB().QueryRow(`SELECT status, attempts FROM outbox WHERE run_id = ?`, "run-1").Scan(&status, &attempts))
	assert.Equal(t, string(model.OutboxPending), status, "a backpressured event must stay PENDING indefinitely, never FAILED")
	assert.Equal(t, 0, attempts, "backpressure skips must not consume the event's retry budget")

	n, err := broker.Counts(ctx, config.QueueRelationshipResolution)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no job should be enqueued while the target queue is backpressured")
}

func TestUnknownEventTagFailsAndRetains(t *testing.T) {
	st, _, pub := newHarness(t, fakeRouter{target: config.QueueValidation})
	ctx := context.Background()

	require.NoError(t, st.Tx(ctx, func(tx *sqlx.Tx) error {
		_, err := store.InsertOutboxEvent(ctx, tx, "run-1", model.OutboxEventType("mystery-tag"), []byte(`{}`))
		return err
	}))

	require.NoError(t, pub.Tick(ctx))

	pending, err := store.CountPendingOutboxForRun(ctx, st.DB(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "unknown-tag event stays PENDING (retried) until attempts exhaust, never silently dropped")
}
