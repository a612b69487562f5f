package queue_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/corerr"
	"github.com/poigraph/corepipeline/pkg/queue"
	"github.com/poigraph/corepipeline/pkg/store"
)

func newTestBroker(t *testing.T) (*queue.Broker, *store.Store) {
	t.Helper()
	scfg := config.StoreConfig{
		Path:              filepath.Join(t.TempDir(), "test.db"),
		WALEnabled:        true,
		BusyTimeout:       2 * time.Second,
		MigrationsEnabled: true,
	}
	st, err := store.Open(context.Background(), scfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	qcfg := config.QueueConfig{
		MaxAttempts:       3,
		BaseDelay:         10 * time.Millisecond,
		BackoffFactor:     2,
		JitterFraction:    0.2,
		VisibilityTimeout: 50 * time.Millisecond,
	}
	return queue.New(st.DB(), qcfg), st
}

func enqueueOne(t *testing.T, st *store.Store, b *queue.Broker, queueName string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, st.Tx(context.Background(), func(tx *sqlx.Tx) error {
		var err error
		id, err = b.Enqueue(context.Background(), tx, queueName, "run-1", []byte(`{"x":1}`))
		return err
	}))
	return id
}

func TestEnqueueReserveAck(t *testing.T) {
	b, st := newTestBroker(t)
	ctx := context.Background()

	id := enqueueOne(t, st, b, config.QueueFileAnalysis)

	job, err := b.Reserve(ctx, config.QueueFileAnalysis, "worker-1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 0, job.Attempts)

	// Second reserve finds nothing visible: the job is still reserved.
	_, err = b.Reserve(ctx, config.QueueFileAnalysis, "worker-2", 50*time.Millisecond)
	assert.True(t, errors.Is(err, corerr.ErrNoJobAvailable))

	require.NoError(t, b.Ack(ctx, job))

	n, err := b.Counts(ctx, config.QueueFileAnalysis)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReserveBecomesVisibleAfterTimeout(t *testing.T) {
	b, st := newTestBroker(t)
	ctx := context.Background()

	enqueueOne(t, st, b, config.QueueValidation)

	job1, err := b.Reserve(ctx, config.QueueValidation, "worker-1", 10*time.Millisecond)
	require.NoError(t, err)

	_, err = b.Reserve(ctx, config.QueueValidation, "worker-2", 10*time.Millisecond)
	assert.True(t, errors.Is(err, corerr.ErrNoJobAvailable))

	time.Sleep(20 * time.Millisecond)

	job2, err := b.Reserve(ctx, config.QueueValidation, "worker-2", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, job1.ID, job2.ID)
	assert.Equal(t, "worker-2", job2.ReservedBy)
}

func TestNackRetriesThenDeadLetters(t *testing.T) {
	b, st := newTestBroker(t)
	ctx := context.Background()

	enqueueOne(t, st, b, config.QueueTriangulation)

	job, err := b.Reserve(ctx, config.QueueTriangulation, "worker-1", time.Hour)
	require.NoError(t, err)

	delay := queue.Backoff(config.QueueConfig{
		MaxAttempts:    3,
		BaseDelay:      1 * time.Millisecond,
		BackoffFactor:  2,
		JitterFraction: 0,
	}, job.Attempts+1)
	require.NoError(t, b.Nack(ctx, job, delay))

	n, err := b.Counts(ctx, config.QueueTriangulation)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "job should still be in its original queue after one retry")

	time.Sleep(5 * time.Millisecond)
	job2, err := b.Reserve(ctx, config.QueueTriangulation, "worker-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, job2.Attempts)

	// Exhaust remaining attempts.
	require.NoError(t, b.Nack(ctx, job2, 0))
	time.Sleep(2 * time.Millisecond)
	job3, err := b.Reserve(ctx, config.QueueTriangulation, "worker-1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, b.Nack(ctx, job3, 0))

	n, err = b.Counts(ctx, config.QueueTriangulation)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "job should have moved out of the original queue")

	n, err = b.Counts(ctx, config.QueueTriangulation+config.QueueDeadLetterSuffix)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "job should be in the dead-letter sub-queue")
}

func TestWorkersReportsActiveReservations(t *testing.T) {
	b, st := newTestBroker(t)
	ctx := context.Background()

	enqueueOne(t, st, b, config.QueueGraphIngest)
	enqueueOne(t, st, b, config.QueueGraphIngest)

	n, err := b.Workers(ctx, config.QueueGraphIngest)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = b.Reserve(ctx, config.QueueGraphIngest, "worker-a", time.Hour)
	require.NoError(t, err)
	_, err = b.Reserve(ctx, config.QueueGraphIngest, "worker-b", time.Hour)
	require.NoError(t, err)

	n, err = b.Workers(ctx, config.QueueGraphIngest)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEnqueueBulk(t *testing.T) {
	b, st := newTestBroker(t)
	ctx := context.Background()

	var ids []int64
	require.NoError(t, st.Tx(ctx, func(tx *sqlx.Tx) error {
		var err error
		ids, err = b.EnqueueBulk(ctx, tx, config.QueueDirectoryResolution, "run-1",
			[][]byte{[]byte(`{"a":1}`), []byte(`{"a":2}`), []byte(`{"a":3}`)})
		return err
	}))
	require.Len(t, ids, 3)

	n, err := b.Counts(ctx, config.QueueDirectoryResolution)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestBackoffGrowsWithAttempts(t *testing.T) {
	cfg := config.QueueConfig{
		MaxAttempts:    5,
		BaseDelay:      2 * time.Second,
		BackoffFactor:  2,
		JitterFraction: 0,
	}
	d1 := queue.Backoff(cfg, 1)
	d2 := queue.Backoff(cfg, 2)
	d3 := queue.Backoff(cfg, 3)
	assert.True(t, d2 > d1, "delay should grow with attempts")
	assert.True(t, d3 > d2, "delay should grow with attempts")
}
