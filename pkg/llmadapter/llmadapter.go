// Package llmadapter provides a collab.LLMClient backed by Anthropic's
// Messages API, the concrete collaborator cmd/corepipeline wires in when no
// test double is supplied.
package llmadapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/poigraph/corepipeline/pkg/collab"
	"github.com/poigraph/corepipeline/pkg/corerr"
)

// Config holds the adapter's own settings, distinct from config.Config
// since they describe a collaborator this module doesn't own.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int64
}

// Client adapts the anthropic-sdk-go Messages API to collab.LLMClient.
type Client struct {
	inner anthropic.Client
	model anthropic.Model
	cfg   Config
}

// New builds a Client. model defaults to Claude Sonnet when cfg.Model is
// empty; maxTokens defaults to 4096 when cfg.MaxTokens is zero.
func New(cfg Config) *Client {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	model := anthropic.Model(cfg.Model)
	if cfg.Model == "" {
		model = anthropic.ModelClaudeSonnet4_5
	}
	return &Client{
		inner: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model: model,
		cfg:   cfg,
	}
}

var _ collab.LLMClient = (*Client)(nil)

// Call sends prompt as a single user turn and returns the concatenation of
// the response's text blocks. Rate-limit and server errors are classified transient
// (spec §7: "Transient ... retried locally by workers"); malformed
// requests are domain errors that will never succeed on redelivery.
func (c *Client) Call(ctx context.Context, prompt string) (collab.LLMResponse, error) {
	msg, err := c.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.cfg.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return collab.LLMResponse{}, classifyCallErr(err)
	}

	var body string
	for _, block := range msg.Content {
		if block.Type == "text" {
			body += block.Text
		}
	}
	if body == "" {
		return collab.LLMResponse{}, corerr.DomainErr("llmadapter.Call", errors.New("empty response"))
	}

	return collab.LLMResponse{
		Body: body,
		Usage: collab.LLMUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// Close releases nothing: anthropic-sdk-go's client pools HTTP connections
// via the standard transport and needs no explicit teardown.
func (c *Client) Close() error { return nil }

func classifyCallErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return corerr.TransientErr("llmadapter.Call", corerr.ErrRateLimited)
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return corerr.DomainErr("llmadapter.Call", err)
		default:
			if apiErr.StatusCode >= 500 {
				return corerr.TransientErr("llmadapter.Call", err)
			}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return corerr.TransientErr("llmadapter.Call", err)
	}
	return corerr.TransientErr("llmadapter.Call", fmt.Errorf("anthropic call: %w", err))
}
