// Package alert implements health.AlertSink: a Slack-backed notification
// sink for HealthMonitor alerts, plus a log-only fallback for deployments
// without a Slack workspace configured.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// postTimeout bounds a single alert post so a slow or unreachable Slack
// API never stalls the health monitor's own timer loop.
const postTimeout = 5 * time.Second

// Client is a thin wrapper around the slack-go SDK, scoped to posting
// one-shot messages (alerts are never threaded — each fire is a standalone
// post, unlike a session's start/terminal notification pair).
type Client struct {
	api       *goslack.Client
	channelID string
	logger    *slog.Logger
}

// NewClient creates a new Slack API client.
func NewClient(token, channelID string) *Client {
	return &Client{
		api:       goslack.New(token),
		channelID: channelID,
		logger:    slog.Default().With("component", "alert-slack-client"),
	}
}

// NewClientWithAPIURL creates a Slack API client targeting a custom API
// URL, for testing against a mock server.
func NewClientWithAPIURL(token, channelID, apiURL string) *Client {
	return &Client{
		api:       goslack.New(token, goslack.OptionAPIURL(apiURL)),
		channelID: channelID,
		logger:    slog.Default().With("component", "alert-slack-client"),
	}
}

// PostMessage sends a message to the configured channel.
func (c *Client) PostMessage(ctx context.Context, blocks []goslack.Block, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, _, err := c.api.PostMessageContext(ctx, c.channelID, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}
