// Package claude adapts the Anthropic Messages API to the single-prompt text
// generation contract used by the classifier.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/loandesk/internal/extcall"
)

// DefaultMaxTokens bounds a single response.
const DefaultMaxTokens = 2048

// Config configures a Client.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int
	BaseURL   string
}

// Client generates text with Claude.
type Client struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64
}

// New creates a Client. SDK-level retries are disabled; callers wrap
// Generate in their own retry policy.
func New(cfg Config) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Client{
		sdk:       anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: int64(maxTokens),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Generate sends prompt as a single user turn and returns the first text block.
func (c *Client) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	msg, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", classify(err)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.String("gen_ai.system", "anthropic"),
			attribute.String("gen_ai.response.model", string(msg.Model)),
			attribute.Int64("gen_ai.usage.input_tokens", msg.Usage.InputTokens),
			attribute.Int64("gen_ai.usage.output_tokens", msg.Usage.OutputTokens),
		)
	}

	return responseText(msg)
}

func responseText(msg *anthropic.Message) (string, error) {
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("claude: response has no text content (stop_reason=%s)", msg.StopReason)
}

// classify marks client errors other than rate limits and timeouts as permanent.
func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && !retryableStatus(apiErr.StatusCode) {
		return extcall.Permanent(fmt.Errorf("claude: %w", err))
	}
	return fmt.Errorf("claude: %w", err)
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code == http.StatusConflict:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
