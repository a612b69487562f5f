package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poigraph/corepipeline/pkg/health"
)

func newMockSlackServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "ts": "1234.5678"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSlackSinkFirePostsMessage(t *testing.T) {
	srv := newMockSlackServer(t)
	client := NewClientWithAPIURL("xoxb-test", "C123", srv.URL+"/")
	sink := NewSlackSinkWithClient(client, "https://dash.example.com")

	require.NotPanics(t, func() {
		sink.Fire(context.Background(), health.Alert{Type: "dependency", Subject: "store", Status: health.StatusUnhealthy, Message: "down"})
	})
}

func TestNewSlackSinkReturnsNilWhenUnconfigured(t *testing.T) {
	assert.Nil(t, NewSlackSink(SlackSinkConfig{Token: "", Channel: "C123"}))
	assert.Nil(t, NewSlackSink(SlackSinkConfig{Token: "xoxb-test", Channel: ""}))
}

func TestNilSlackSinkFireIsNoop(t *testing.T) {
	var s *SlackSink
	require.NotPanics(t, func() {
		s.Fire(context.Background(), health.Alert{Type: "worker", Subject: "x", Status: health.StatusWarning})
	})
}

func TestMultiSinkFansOutToEverySink(t *testing.T) {
	var a, b recordingSink
	m := MultiSink{&a, &b}
	m.Fire(context.Background(), health.Alert{Type: "global", Subject: "system", Status: health.StatusHealthy})

	assert.Len(t, a.alerts, 1)
	assert.Len(t, b.alerts, 1)
}

type recordingSink struct {
	alerts []health.Alert
}

func (r *recordingSink) Fire(ctx context.Context, a health.Alert) {
	r.alerts = append(r.alerts, a)
}
