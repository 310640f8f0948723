// Package openai adapts the OpenAI Chat Completions and Embeddings APIs (or any
// compatible endpoint) to the generator and encoder contracts.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/loandesk/internal/extcall"
)

// Config configures both the generator and the encoder.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

func newSDK(cfg Config) openaisdk.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return openaisdk.NewClient(opts...)
}

// Generator produces chat completions.
type Generator struct {
	sdk       openaisdk.Client
	model     string
	maxTokens int64
}

// NewGenerator creates a Generator. SDK retries are disabled.
func NewGenerator(cfg Config) *Generator {
	return &Generator{
		sdk:       newSDK(cfg),
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
	}
}

// Model returns the configured model name.
func (g *Generator) Model() string { return g.model }

// Generate sends prompt as one user message and returns the first choice.
func (g *Generator) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	params := openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(g.model),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.UserMessage(prompt),
		},
		Temperature: openaisdk.Float(temperature),
	}
	if g.maxTokens > 0 {
		params.MaxCompletionTokens = openaisdk.Int(g.maxTokens)
	}

	resp, err := g.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", errors.New("openai: completion has no content")
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.String("gen_ai.system", "openai"),
			attribute.String("gen_ai.response.model", resp.Model),
			attribute.Int64("gen_ai.usage.input_tokens", resp.Usage.PromptTokens),
			attribute.Int64("gen_ai.usage.output_tokens", resp.Usage.CompletionTokens),
		)
	}

	return resp.Choices[0].Message.Content, nil
}

// Encoder produces embeddings.
type Encoder struct {
	sdk   openaisdk.Client
	model string
}

// NewEncoder creates an Encoder; cfg.Model names the embedding model.
func NewEncoder(cfg Config) *Encoder {
	return &Encoder{sdk: newSDK(cfg), model: cfg.Model}
}

// Encode returns the embedding of text.
func (e *Encoder) Encode(ctx context.Context, text string) ([]float64, error) {
	resp, err := e.sdk.Embeddings.New(ctx, openaisdk.EmbeddingNewParams{
		Model: openaisdk.EmbeddingModel(e.model),
		Input: openaisdk.EmbeddingNewParamsInputUnion{OfString: openaisdk.String(text)},
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai: embedding response has no data")
	}
	return resp.Data[0].Embedding, nil
}

func classify(err error) error {
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) && !retryableStatus(apiErr.StatusCode) {
		return extcall.Permanent(fmt.Errorf("openai: %w", err))
	}
	return fmt.Errorf("openai: %w", err)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
