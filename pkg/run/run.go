// Package run implements the run lifecycle orchestrator: it wires every
// component (RelationalStore, QueueBroker, WorkerPoolManager, OutboxPublisher,
// ConfidenceScorer/Consensus, HealthMonitor, metrics, and the six worker
// Runners) into one process and drives a single run from discovery through
// termination (spec §6, §8 P10), translating its outcome into the exit codes
// spec §6 defines.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/poigraph/corepipeline/pkg/alert"
	cachepkg "github.com/poigraph/corepipeline/pkg/cache"
	"github.com/poigraph/corepipeline/pkg/collab"
	"github.com/poigraph/corepipeline/pkg/confidence"
	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/corerr"
	"github.com/poigraph/corepipeline/pkg/health"
	"github.com/poigraph/corepipeline/pkg/metrics"
	"github.com/poigraph/corepipeline/pkg/model"
	"github.com/poigraph/corepipeline/pkg/outbox"
	"github.com/poigraph/corepipeline/pkg/pool"
	"github.com/poigraph/corepipeline/pkg/queue"
	"github.com/poigraph/corepipeline/pkg/store"
	"github.com/poigraph/corepipeline/pkg/workers"
)

// Exit codes, spec §6: "0 run COMPLETED; 1 configuration error; 2 fatal
// dependency outage past recovery; 3 corruption detected in RelationalStore;
// 4 stopped by operator."
const (
	ExitCompleted       = 0
	ExitConfigError     = 1
	ExitFatalDependency = 2
	ExitStoreCorruption = 3
	ExitOperatorStopped = 4
)

const quiescencePollInterval = 500 * time.Millisecond

// Dependencies bundles the external collaborators the core never implements
// itself (spec §6). LLM and GraphSink are required; when nil, Cache
// becomes cache.NoOp and AlertSink becomes alert.LogSink (which logs every
// alert), so every deployment can omit them.
type Dependencies struct {
	LLM        collab.LLMClient
	Discoverer collab.Discoverer
	GraphSink  collab.GraphSink
	Cache      collab.CacheClient
	AlertSink  health.AlertSink
}

// Orchestrator owns every component's lifecycle for one process.
type Orchestrator struct {
	cfg   *config.Config
	store *store.Store
	deps  Dependencies

	broker    *queue.Broker
	pool      *pool.Manager
	scorer    *confidence.Scorer
	consensus *confidence.Consensus
	publisher *outbox.Publisher
	monitor   *health.Monitor
	metrics   *metrics.Metrics
	runners   []*workers.Runner
}

// New constructs an Orchestrator: opens the store, builds every component,
// and wires the runners for all six queues. It does not start anything —
// call Run to start and drive a single run to completion.
func New(ctx context.Context, cfg *config.Config, deps Dependencies) (*Orchestrator, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("run: open store: %w", err)
	}
	if n, err := store.ReconcileIncompleteSessions(ctx, st.DB()); err != nil {
		st.Close()
		return nil, fmt.Errorf("run: reconcile incomplete sessions: %w", err)
	} else if n > 0 {
		slog.Info("run: demoted incomplete triangulation sessions", "count", n)
	}

	if deps.Cache == nil {
		deps.Cache = cachepkg.NoOp{}
	}

	broker := queue.New(st.DB(), cfg.Queue)
	poolMgr := pool.NewManager(cfg.Pool, cfg.RateLimits, cfg.CircuitBreaker)

	m := metrics.New("")
	poolMgr.SetObserver(func(class string, success bool, elapsed time.Duration) {
		status := "ok"
		if !success {
			status = "error"
		}
		m.ObserveJob(class, status, elapsed)
	})

	scorer := confidence.NewScorer(cfg.Confidence)
	consensus := confidence.NewConsensus(cfg.Triangulation)
	router := confidence.NewRouter(st, scorer)
	publisher := outbox.New(st, broker, router, cfg.Outbox, cfg.Backpressure)

	probes := []health.DependencyProbe{
		{Name: "store", Probe: func(ctx context.Context) error {
			_, err := st.Health(ctx)
			return err
		}},
	}
	if deps.LLM != nil {
		probes = append(probes, health.DependencyProbe{
			Name: "llm",
			Probe: func(ctx context.Context) error {
				_, err := deps.LLM.Call(ctx, "healthcheck")
				return err
			},
		})
	}

	var sink health.AlertSink = deps.AlertSink
	if sink == nil {
		sink = alert.LogSink{}
	}
	monitor := health.NewMonitor(cfg.Health, poolMgr, probes, sink)

	o := &Orchestrator{
		cfg:       cfg,
		store:     st,
		deps:      deps,
		broker:    broker,
		pool:      poolMgr,
		scorer:    scorer,
		consensus: consensus,
		publisher: publisher,
		monitor:   monitor,
		metrics:   m,
	}
	o.runners = o.buildRunners()
	return o, nil
}

// buildRunners constructs one Runner per named queue (spec §4.7), wrapping
// the handlers that call out to external collaborators in the run.*Timeout
// budgets spec §6's run.* configuration names.
func (o *Orchestrator) buildRunners() []*workers.Runner {
	llmBound := func(h workers.Handler) workers.Handler { return boundHandler{h, o.cfg.Run.LLMTimeout} }
	storeBound := func(h workers.Handler) workers.Handler { return boundHandler{h, o.cfg.Run.BrokerReserveTimeout} }
	graphBound := func(h workers.Handler) workers.Handler { return boundHandler{h, o.cfg.Run.GraphBatchTimeout} }

	handlers := map[string]workers.Handler{
		config.QueueFileAnalysis:           llmBound(workers.NewFileAnalysisWorker(o.store, o.deps.LLM)),
		config.QueueDirectoryResolution:    storeBound(workers.NewDirectoryAggWorker(o.store)),
		config.QueueRelationshipResolution: storeBound(workers.NewRelationshipResolutionWorker(o.store)),
		config.QueueValidation:             storeBound(workers.NewValidationWorker(o.store, o.scorer)),
		config.QueueTriangulation:          llmBound(workers.NewTriangulationCoordinator(o.store, o.deps.LLM, o.consensus, o.cfg.Triangulation)),
		config.QueueGraphIngest:            graphBound(workers.NewGraphIngestWorker(o.store, o.deps.GraphSink)),
	}

	queues := config.AllQueues()
	runners := make([]*workers.Runner, 0, len(queues))
	for i, q := range queues {
		id := fmt.Sprintf("%s-%d", q, i)
		runners = append(runners, workers.NewRunner(id, q, q, o.broker, o.pool, o.cfg.Queue, handlers[q]))
	}
	return runners
}

// boundHandler wraps a Handler so its context carries the configured
// per-operation timeout, the "every external call is a suspend/block point"
// contract (spec §9) made concrete at the handler boundary rather than
// inside each worker.
type boundHandler struct {
	inner workers.Handler
	d     time.Duration
}

func (b boundHandler) Handle(ctx context.Context, job *model.Job) error {
	if b.d <= 0 {
		return b.inner.Handle(ctx, job)
	}
	bctx, cancel := context.WithTimeout(ctx, b.d)
	defer cancel()
	return b.inner.Handle(bctx, job)
}

// Run starts every component, seeds the run from targetDir's discovery, and
// drives it to termination, returning the exit code spec §6 defines.
func (o *Orchestrator) Run(ctx context.Context, targetDir, runID string) int {
	if err := store.AppendRunStatus(ctx, o.store.DB(), runID, model.RunStarted, nil); err != nil {
		slog.Error("run: failed to append STARTED status", "run_id", runID, "error", err)
		return exitCodeFor(err)
	}

	o.start(ctx)
	defer o.stop()

	if err := o.seed(ctx, targetDir, runID); err != nil {
		slog.Error("run: discovery/seeding failed", "run_id", runID, "error", err)
		o.finalize(context.Background(), runID, model.RunFailed)
		return exitCodeFor(err)
	}

	if err := store.AppendRunStatus(ctx, o.store.DB(), runID, model.RunProcessing, nil); err != nil {
		slog.Warn("run: failed to append PROCESSING status", "run_id", runID, "error", err)
	}

	return o.waitForCompletion(ctx, runID)
}

// Close releases every external connection the Orchestrator owns. Callers
// should defer this after New succeeds.
func (o *Orchestrator) Close() error {
	var firstErr error
	if o.deps.LLM != nil {
		if err := o.deps.LLM.Close(); err != nil {
			firstErr = err
		}
	}
	if err := o.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (o *Orchestrator) start(ctx context.Context) {
	o.pool.Start(ctx)
	o.monitor.Start(ctx)
	go o.publisher.Run(ctx)
	for _, r := range o.runners {
		r.Start(ctx)
	}
	go o.reportMetrics(ctx)
}

func (o *Orchestrator) stop() {
	for _, r := range o.runners {
		r.Stop()
	}
	o.monitor.Stop()
	o.pool.Stop()
}

// reportMetrics periodically projects live component state into the
// Prometheus gauges pkg/metrics registers, since pool.Manager and
// health.Monitor keep their breaker/class state private to their own
// packages.
func (o *Orchestrator) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Health.GlobalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tickMetrics(ctx)
		}
	}
}

func (o *Orchestrator) tickMetrics(ctx context.Context) {
	for _, c := range o.pool.Snapshot() {
		o.metrics.PoolActiveJobs.WithLabelValues(c.Name).Set(float64(c.ActiveJobs))
		o.metrics.PoolConcurrency.WithLabelValues(c.Name).Set(float64(c.Concurrency))
	}
	for _, q := range config.AllQueues() {
		if n, err := o.broker.Counts(ctx, q); err == nil {
			o.metrics.QueueDepth.WithLabelValues(q).Set(float64(n))
		}
	}
	for dep, st := range o.monitor.DependencyStatuses() {
		v := 0.0
		if st.Status == health.StatusHealthy {
			v = 1
		}
		o.metrics.DependencyHealthy.WithLabelValues(dep).Set(v)
	}
	for class, st := range o.monitor.WorkerStatuses() {
		v := 0.0
		if st.Status == health.StatusHealthy {
			v = 1
		}
		o.metrics.WorkerHealthy.WithLabelValues(class).Set(v)
	}
	globalHealthy := 0.0
	if o.monitor.Global().Status == health.StatusHealthy {
		globalHealthy = 1
	}
	o.metrics.GlobalHealthy.Set(globalHealthy)
}

// seed walks targetDir via the configured Discoverer, inserting a File row
// and enqueuing a file-analysis job for each discovered file, then enqueues
// one directory-resolution job per directory once the walk completes.
func (o *Orchestrator) seed(ctx context.Context, targetDir, runID string) error {
	files, errCh := o.deps.Discoverer.Walk(ctx, targetDir)
	dirFiles := make(map[string][]int64)

	for files != nil || errCh != nil {
		select {
		case f, ok := <-files:
			if !ok {
				files = nil
				continue
			}
			fileID, err := o.insertAndEnqueueFile(ctx, runID, f)
			if err != nil {
				return err
			}
			dir := filepath.Dir(f.Path)
			dirFiles[dir] = append(dirFiles[dir], fileID)

		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return corerr.TransientErr("run.seed", err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return o.enqueueDirectories(ctx, runID, dirFiles)
}

func (o *Orchestrator) insertAndEnqueueFile(ctx context.Context, runID string, f collab.DiscoveredFile) (int64, error) {
	var fileID int64
	err := o.store.Tx(ctx, func(tx *sqlx.Tx) error {
		id, err := store.UpsertFile(ctx, tx, runID, f.Path, f.Hash)
		if err != nil {
			return err
		}
		fileID = id

		payload, err := json.Marshal(model.FileAnalysisInput{FilePath: f.Path, RunID: runID})
		if err != nil {
			return corerr.DomainErr("run.insertAndEnqueueFile", err)
		}
		_, err = o.broker.Enqueue(ctx, tx, config.QueueFileAnalysis, runID, payload)
		return err
	})
	return fileID, err
}

func (o *Orchestrator) enqueueDirectories(ctx context.Context, runID string, dirFiles map[string][]int64) error {
	dirs := make([]string, 0, len(dirFiles))
	for d := range dirFiles {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	return o.store.Tx(ctx, func(tx *sqlx.Tx) error {
		for _, dir := range dirs {
			payload, err := json.Marshal(model.DirectoryResolutionInput{
				DirectoryPath: dir,
				RunID:         runID,
				FileIDs:       dirFiles[dir],
			})
			if err != nil {
				return corerr.DomainErr("run.enqueueDirectories", err)
			}
			if _, err := o.broker.Enqueue(ctx, tx, config.QueueDirectoryResolution, runID, payload); err != nil {
				return err
			}
		}
		return nil
	})
}

// waitForCompletion polls for P10's run-termination condition — every queue
// empty, no PENDING outbox events, no active pool slots — until it holds,
// the operator cancels ctx, or the health monitor reports a sustained fatal
// dependency outage.
func (o *Orchestrator) waitForCompletion(ctx context.Context, runID string) int {
	ticker := time.NewTicker(quiescencePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.finalize(context.Background(), runID, model.RunFailed)
			return ExitOperatorStopped

		case <-ticker.C:
			done, err := o.quiescent(ctx, runID)
			if err != nil {
				slog.Warn("run: quiescence check failed, retrying", "run_id", runID, "error", err)
				if corerr.KindOf(err) == corerr.Fatal {
					o.finalize(context.Background(), runID, model.RunFailed)
					return exitCodeFor(err)
				}
				continue
			}
			if done {
				o.finalize(ctx, runID, model.RunCompleted)
				return ExitCompleted
			}

			if o.cfg.Run.StopOnFatalDependency && o.monitor.Global().Status == health.StatusUnhealthy {
				o.finalize(context.Background(), runID, model.RunFailed)
				return ExitFatalDependency
			}
		}
	}
}

func (o *Orchestrator) quiescent(ctx context.Context, runID string) (bool, error) {
	for _, q := range config.AllQueues() {
		n, err := o.broker.Counts(ctx, q)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}
	}

	pending, err := store.CountPendingOutboxForRun(ctx, o.store.DB(), runID)
	if err != nil {
		return false, err
	}
	if pending > 0 {
		return false, nil
	}

	for _, c := range o.pool.Snapshot() {
		if c.ActiveJobs > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Summary is the per-run final report spec §7 requires ("counts by status").
type Summary struct {
	FilesProcessed         int `json:"filesProcessed"`
	FilesFailed            int `json:"filesFailed"`
	POIsInserted           int `json:"poisInserted"`
	RelationshipsValidated int `json:"relationshipsValidated"`
	RelationshipsFailed    int `json:"relationshipsFailed"`
	RelationshipsPending   int `json:"relationshipsPending"`
	Escalations            int `json:"escalations"`
	DeadLettered           int `json:"deadLettered"`
}

func (o *Orchestrator) summarize(ctx context.Context, runID string) (Summary, error) {
	db := o.store.DB()
	var s Summary

	counts := []struct {
		dst   *int
		query string
		args  []any
	}{
		{&s.FilesProcessed, `SELECT COUNT(*) FROM files WHERE run_id = ? AND status = ?`, []any{runID, model.FileStatusProcessed}},
		{&s.FilesFailed, `SELECT COUNT(*) FROM files WHERE run_id = ? AND status = ?`, []any{runID, model.FileStatusFailed}},
		{&s.POIsInserted, `SELECT COUNT(*) FROM pois WHERE run_id = ?`, []any{runID}},
		{&s.RelationshipsValidated, `SELECT COUNT(*) FROM relationships WHERE run_id = ? AND status = ?`, []any{runID, model.RelationshipValidated}},
		{&s.RelationshipsFailed, `SELECT COUNT(*) FROM relationships WHERE run_id = ? AND status = ?`, []any{runID, model.RelationshipFailed}},
		{&s.RelationshipsPending, `SELECT COUNT(*) FROM relationships WHERE run_id = ? AND status = ?`, []any{runID, model.RelationshipPending}},
		{&s.Escalations, `SELECT COUNT(*) FROM triangulated_analysis_sessions WHERE run_id = ?`, []any{runID}},
	}
	for _, c := range counts {
		if err := db.GetContext(ctx, c.dst, c.query, c.args...); err != nil {
			return s, fmt.Errorf("run: summarize: %w", err)
		}
	}

	for _, q := range config.AllQueues() {
		n, err := o.broker.Counts(ctx, q+config.QueueDeadLetterSuffix)
		if err != nil {
			return s, err
		}
		s.DeadLettered += n
	}
	return s, nil
}

func (o *Orchestrator) finalize(ctx context.Context, runID string, state model.RunStatusState) {
	summary, err := o.summarize(ctx, runID)
	if err != nil {
		slog.Error("run: failed to compute final summary", "run_id", runID, "error", err)
	}

	meta, err := json.Marshal(summary)
	if err != nil {
		slog.Error("run: failed to marshal final summary", "run_id", runID, "error", err)
		meta = nil
	}
	if err := store.AppendRunStatus(ctx, o.store.DB(), runID, state, meta); err != nil {
		slog.Error("run: failed to append final run status", "run_id", runID, "error", err)
	}
	slog.Info("run: finished", "run_id", runID, "state", state, "summary", summary)
}

// exitCodeFor maps a corerr-classified error to spec §6's exit codes.
func exitCodeFor(err error) int {
	if errors.Is(err, corerr.ErrStoreCorruption) {
		return ExitStoreCorruption
	}
	if corerr.KindOf(err) == corerr.Fatal {
		return ExitFatalDependency
	}
	return ExitFatalDependency
}
