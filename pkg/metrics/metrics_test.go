package metrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	dto "github.com/prometheus/client_model/go"

	"github.com/poigraph/corepipeline/pkg/metrics"
)

func TestObserveJobRecordsErrorOnlyForNonOkStatus(t *testing.T) {
	m := metrics.New("test_metrics_job")

	m.ObserveJob("file-analysis", "ok", 10*time.Millisecond)
	m.ObserveJob("file-analysis", "error", 5*time.Millisecond)

	var out dto.Metric
	counter := m.JobErrors.WithLabelValues("file-analysis")
	counter.Write(&out)
	assert.Equal(t, float64(1), out.GetCounter().GetValue())
}

func TestObserveBreakerStateSetsGaugeValue(t *testing.T) {
	m := metrics.New("test_metrics_breaker")

	m.ObserveBreakerState("llm", "open")
	var out dto.Metric
	gauge := m.BreakerState.WithLabelValues("llm")
	gauge.Write(&out)
	assert.Equal(t, 1.0, out.GetGauge().GetValue())

	m.ObserveBreakerState("llm", "half-open")
	gauge.Write(&out)
	assert.Equal(t, 0.5, out.GetGauge().GetValue())
}
