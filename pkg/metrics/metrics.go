// Package metrics registers the Prometheus instrumentation shared by
// pkg/pool, pkg/breaker, pkg/outbox, and pkg/health.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every metric this module exports.
type Metrics struct {
	// Worker pool (pkg/pool)
	PoolActiveJobs  *prometheus.GaugeVec
	PoolConcurrency *prometheus.GaugeVec
	PoolThrottled   prometheus.Counter
	JobDuration     *prometheus.HistogramVec
	JobErrors       *prometheus.CounterVec

	// Circuit breaker (pkg/breaker)
	BreakerState        *prometheus.GaugeVec
	BreakerStateChanges *prometheus.CounterVec

	// Outbox (pkg/outbox)
	OutboxPublished *prometheus.CounterVec
	OutboxFailed    *prometheus.CounterVec
	OutboxPending   prometheus.Gauge

	// Queue (pkg/queue)
	QueueDepth      *prometheus.GaugeVec
	JobsDeadLettered *prometheus.CounterVec

	// Health (pkg/health)
	DependencyHealthy *prometheus.GaugeVec
	WorkerHealthy     *prometheus.GaugeVec
	GlobalHealthy     prometheus.Gauge
	AlertsFired       *prometheus.CounterVec
}

// New creates and registers every metric under namespace (default
// "corepipeline" when empty).
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "corepipeline"
	}

	return &Metrics{
		PoolActiveJobs: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_active_jobs", Help: "Currently in-flight jobs per worker class.",
		}, []string{"class"}),

		PoolConcurrency: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_concurrency", Help: "Current admission concurrency cap per worker class.",
		}, []string{"class"}),

		PoolThrottled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pool_throttled_total", Help: "Total admission requests rejected by the worker pool.",
		}),

		JobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_duration_seconds", Help: "Job execution duration by worker class.",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"class", "status"}),

		JobErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_errors_total", Help: "Total job execution errors by worker class.",
		}, []string{"class"}),

		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "breaker_state", Help: "Circuit breaker state per target (0=closed, 0.5=half-open, 1=open).",
		}, []string{"target"}),

		BreakerStateChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "breaker_state_changes_total", Help: "Total circuit breaker state transitions.",
		}, []string{"target", "to"}),

		OutboxPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbox_published_total", Help: "Total outbox events published by event type.",
		}, []string{"event_type"}),

		OutboxFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbox_failed_total", Help: "Total outbox events that exhausted retries.",
		}, []string{"event_type"}),

		OutboxPending: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "outbox_pending", Help: "Current count of PENDING outbox events.",
		}),

		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth", Help: "Current job count per queue.",
		}, []string{"queue"}),

		JobsDeadLettered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_dead_lettered_total", Help: "Total jobs moved to a dead-letter queue.",
		}, []string{"queue"}),

		DependencyHealthy: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dependency_healthy", Help: "1 if the dependency's last probe succeeded, else 0.",
		}, []string{"dependency"}),

		WorkerHealthy: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "worker_healthy", Help: "1 if the worker class is healthy, else 0.",
		}, []string{"class"}),

		GlobalHealthy: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "global_healthy", Help: "1 if the aggregated system health is healthy, else 0.",
		}),

		AlertsFired: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_fired_total", Help: "Total health alerts fired, by type.",
		}, []string{"type"}),
	}
}

// ObserveJob records one job's outcome for pkg/pool's per-class counters.
func (m *Metrics) ObserveJob(class, status string, d time.Duration) {
	m.JobDuration.WithLabelValues(class, status).Observe(d.Seconds())
	if status != "ok" {
		m.JobErrors.WithLabelValues(class).Inc()
	}
}

// breakerStateValue maps a breaker state name to the gauge value spec
// dashboards expect (0/0.5/1).
func breakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 0.5
	default:
		return 0
	}
}

// ObserveBreakerState records a circuit breaker transition.
func (m *Metrics) ObserveBreakerState(target, toState string) {
	m.BreakerState.WithLabelValues(target).Set(breakerStateValue(toState))
	m.BreakerStateChanges.WithLabelValues(target, toState).Inc()
}
