// Package workers implements the concrete worker contracts of spec §4.7:
// FileAnalysisWorker, DirectoryAggWorker, RelationshipResolutionWorker,
// ValidationWorker, TriangulationCoordinator, and GraphIngestWorker, all
// sharing one uniform acquire/run/release/ack-or-nack-or-deadletter shape.
//
// The run loop is grounded in the teacher's queue.Worker: a polling
// goroutine selecting on a stop channel, sleeping with jitter between empty
// polls, and tracking a small health snapshot under a mutex — generalized
// here from one ent-backed session queue to any named QueueBroker queue.
package workers

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/corerr"
	"github.com/poigraph/corepipeline/pkg/model"
	"github.com/poigraph/corepipeline/pkg/pool"
	"github.com/poigraph/corepipeline/pkg/queue"
)

// Handler processes one reserved job's payload. An error's corerr.Kind
// decides the outcome: Transient is retried with backoff, anything else
// (Domain, DataIntegrity, Fatal, Unknown) is dead-lettered immediately.
type Handler interface {
	Handle(ctx context.Context, job *model.Job) error
}

// HandlerFunc adapts a plain function to a Handler.
type HandlerFunc func(ctx context.Context, job *model.Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job *model.Job) error { return f(ctx, job) }

// RunnerStatus is a point-in-time health snapshot, the shape HealthMonitor
// reads indirectly via pool.Manager.Snapshot (worker-level detail) — kept
// here too for direct introspection/debugging.
type RunnerStatus struct {
	Class        string
	Idle         bool
	CurrentJobID int64
	JobsHandled  int
	LastActivity time.Time
}

// Runner drives one worker class's queue: reserve, run through
// pool.Manager (which itself wraps the class's circuit breaker), then
// ack/nack/dead-letter, per spec §4.7's uniform shape.
type Runner struct {
	id    string
	queue string
	class string

	broker            *queue.Broker
	pool              *pool.Manager
	qcfg              config.QueueConfig
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	pollJitter        time.Duration
	handler           Handler

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu           sync.Mutex
	idle         bool
	currentJobID int64
	jobsHandled  int
	lastActivity time.Time
}

// NewRunner constructs a Runner. class is both the pool admission class and
// the circuit-breaker target name; queueName is the QueueBroker queue it
// reserves from (usually equal to class, except DirectoryAgg which shares
// no 1:1 queue/class naming requirement but uses one here too for symmetry).
func NewRunner(id, queueName, class string, broker *queue.Broker, mgr *pool.Manager, qcfg config.QueueConfig, handler Handler) *Runner {
	return &Runner{
		id:                id,
		queue:             queueName,
		class:             class,
		broker:            broker,
		pool:              mgr,
		qcfg:              qcfg,
		visibilityTimeout: qcfg.VisibilityTimeout,
		pollInterval:      200 * time.Millisecond,
		pollJitter:        50 * time.Millisecond,
		handler:           handler,
		stopCh:            make(chan struct{}),
		idle:              true,
		lastActivity:      time.Now(),
	}
}

// Start launches the polling loop in a goroutine.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop signals the loop to exit and waits for it. Safe to call more than
// once.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Status reports the runner's current health snapshot.
func (r *Runner) Status() RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunnerStatus{
		Class:        r.class,
		Idle:         r.idle,
		CurrentJobID: r.currentJobID,
		JobsHandled:  r.jobsHandled,
		LastActivity: r.lastActivity,
	}
}

func (r *Runner) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			if err := r.pollAndProcess(ctx); err != nil {
				if errors.Is(err, corerr.ErrNoJobAvailable) {
					r.sleep(r.jitteredPollInterval())
					continue
				}
				r.sleep(time.Second)
			}
		}
	}
}

func (r *Runner) sleep(d time.Duration) {
	select {
	case <-r.stopCh:
	case <-time.After(d):
	}
}

func (r *Runner) jitteredPollInterval() time.Duration {
	if r.pollJitter <= 0 {
		return r.pollInterval
	}
	offset := time.Duration(rand.Int64N(int64(2 * r.pollJitter)))
	return r.pollInterval - r.pollJitter + offset
}

// pollAndProcess reserves one job, runs it through the pool/circuit-breaker
// pair, and acks/nacks/dead-letters it per spec §4.7's pseudocode.
func (r *Runner) pollAndProcess(ctx context.Context) error {
	job, err := r.broker.Reserve(ctx, r.queue, r.id, r.visibilityTimeout)
	if err != nil {
		return err
	}

	r.setBusy(job.ID)
	defer r.setIdle()

	runErr := r.pool.ExecuteWithManagement(ctx, r.class, func(ctx context.Context) error {
		return r.handler.Handle(ctx, job)
	})

	if runErr == nil {
		return r.broker.Ack(ctx, job)
	}

	if corerr.IsRetryable(runErr) {
		return r.broker.Nack(ctx, job, queue.Backoff(r.qcfg, job.Attempts))
	}
	return r.broker.DeadLetter(ctx, job, runErr.Error())
}

func (r *Runner) setBusy(jobID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idle = false
	r.currentJobID = jobID
	r.lastActivity = time.Now()
}

func (r *Runner) setIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idle = true
	r.currentJobID = 0
	r.jobsHandled++
	r.lastActivity = time.Now()
}
