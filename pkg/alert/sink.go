package alert

import (
	"context"
	"log/slog"

	"github.com/poigraph/corepipeline/pkg/health"
)

// SlackSinkConfig holds the parameters needed to construct a SlackSink.
type SlackSinkConfig struct {
	Token        string
	Channel      string
	DashboardURL string
}

// SlackSink posts HealthMonitor alerts to a Slack channel. Nil-safe: all
// methods are no-ops when the receiver is nil, so a caller can wire a
// possibly-unconfigured sink without a branch at every call site.
type SlackSink struct {
	client       *Client
	dashboardURL string
	logger       *slog.Logger
}

// NewSlackSink creates a new SlackSink. Returns nil if Token or Channel is
// empty, so an unconfigured deployment silently gets no Slack delivery.
func NewSlackSink(cfg SlackSinkConfig) *SlackSink {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &SlackSink{
		client:       NewClient(cfg.Token, cfg.Channel),
		dashboardURL: cfg.DashboardURL,
		logger:       slog.Default().With("component", "alert-slack-sink"),
	}
}

// NewSlackSinkWithClient builds a SlackSink backed by a pre-built Client,
// for testing against a mock Slack API server.
func NewSlackSinkWithClient(client *Client, dashboardURL string) *SlackSink {
	return &SlackSink{
		client:       client,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "alert-slack-sink"),
	}
}

// Fire implements health.AlertSink. Fail-open: errors are logged, never
// returned, so a Slack outage never blocks the monitor's own timers.
func (s *SlackSink) Fire(ctx context.Context, a health.Alert) {
	if s == nil {
		return
	}

	blocks := BuildAlertMessage(a, s.dashboardURL)
	if err := s.client.PostMessage(ctx, blocks, postTimeout); err != nil {
		s.logger.Error("failed to post health alert to slack",
			"type", a.Type, "subject", a.Subject, "status", a.Status, "error", err)
	}
}

// LogSink is the console fallback: it logs every alert via slog and never
// fails. Used when no Slack workspace is configured, or composed alongside
// SlackSink so alerts are always captured in logs too.
type LogSink struct{}

// Fire implements health.AlertSink.
func (LogSink) Fire(ctx context.Context, a health.Alert) {
	slog.Warn("health alert", "type", a.Type, "subject", a.Subject, "status", a.Status, "message", a.Message)
}

// MultiSink fans one Alert out to several sinks, in order.
type MultiSink []health.AlertSink

// Fire implements health.AlertSink.
func (m MultiSink) Fire(ctx context.Context, a health.Alert) {
	for _, s := range m {
		if s != nil {
			s.Fire(ctx, a)
		}
	}
}
