package triage

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/loandesk/internal/extcall"
	"github.com/linnemanlabs/loandesk/internal/taxonomy"
)

var tracer = otel.Tracer("github.com/linnemanlabs/loandesk/internal/triage")

// Generator is any generative model backend.
type Generator interface {
	Generate(ctx context.Context, prompt string, temperature float64) (string, error)
}

// ClassifierHooks observe model calls.
type ClassifierHooks struct {
	OnModelCall func(stage Stage, ok bool, seconds float64)
}

// ClassifierConfig carries model parameters.
type ClassifierConfig struct {
	Model       string
	Temperature float64
	Policy      extcall.Policy
}

// Classifier runs the two model stages: request classification, then
// extraction of the fields the taxonomy requires for the classified type.
type Classifier struct {
	gen    Generator
	tax    *taxonomy.Taxonomy
	cfg    ClassifierConfig
	logger log.Logger
	hooks  ClassifierHooks
}

// NewClassifier creates a Classifier.
func NewClassifier(gen Generator, tax *taxonomy.Taxonomy, cfg ClassifierConfig, logger log.Logger, hooks ClassifierHooks) *Classifier {
	if gen == nil {
		panic(xerrors.New("triage: generator is required"))
	}
	if tax == nil {
		panic(xerrors.New("triage: taxonomy is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Classifier{gen: gen, tax: tax, cfg: cfg, logger: logger, hooks: hooks}
}

// Classify asks the model for the request type of emailText.
func (c *Classifier) Classify(ctx context.Context, emailText string) (*ClassificationResult, error) {
	raw, err := c.call(ctx, StageClassify, buildClassificationPrompt(c.tax, emailText))
	if err != nil {
		return nil, err
	}

	var res ClassificationResult
	if err := DecodeModelJSON(StageClassify, raw, &res); err != nil {
		return nil, err
	}

	res.RequestType = strings.TrimSpace(res.RequestType)
	if res.RequestType == "" {
		return nil, &ResponseParseError{Stage: StageClassify, Excerpt: excerpt(raw), Err: errors.New("request_type is missing")}
	}

	L := c.loggerFor(ctx)
	if _, known := c.tax.Lookup(res.RequestType); !known {
		L.Warn(ctx, "model returned request type outside taxonomy", "request_type", res.RequestType)
	}

	if res.SubRequestType != nil {
		sub := strings.TrimSpace(*res.SubRequestType)
		switch {
		case sub == "" || strings.EqualFold(sub, "null"):
			res.SubRequestType = nil
		case !c.tax.AllowsSubType(res.RequestType, sub):
			L.Warn(ctx, "dropping sub-request type not allowed for request type",
				"request_type", res.RequestType,
				"sub_request_type", sub,
			)
			res.SubRequestType = nil
		default:
			res.SubRequestType = &sub
		}
	}

	res.ConfidenceScore = clamp01(res.ConfidenceScore)
	return &res, nil
}

// Extract asks the model for the fields requestType requires. The result holds
// exactly those fields; missing ones are nil.
func (c *Classifier) Extract(ctx context.Context, emailText, requestType string) (ExtractionResult, error) {
	fields := c.tax.FieldsFor(requestType)

	raw, err := c.call(ctx, StageExtractFields, buildExtractionPrompt(fields, requestType, emailText))
	if err != nil {
		return nil, err
	}

	var parsed map[string]any
	if err := DecodeModelJSON(StageExtractFields, raw, &parsed); err != nil {
		return nil, err
	}

	out := make(ExtractionResult, len(fields))
	for _, f := range fields {
		out[f.Name] = scalar(parsed[f.Name])
		delete(parsed, f.Name)
	}
	if len(parsed) > 0 {
		extra := make([]string, 0, len(parsed))
		for k := range parsed {
			extra = append(extra, k)
		}
		c.loggerFor(ctx).Warn(ctx, "dropping fields not requested for request type",
			"request_type", requestType,
			"fields", extra,
		)
	}
	return out, nil
}

func (c *Classifier) call(ctx context.Context, stage Stage, prompt string) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "chat"),
		attribute.String("gen_ai.request.model", c.cfg.Model),
		attribute.Float64("gen_ai.request.temperature", c.cfg.Temperature),
		attribute.String("loandesk.stage", string(stage)),
		attribute.String("loandesk.triage_run", RunFromContext(ctx)),
	))
	defer span.End()

	span.AddEvent("llm.request", trace.WithAttributes(attribute.Int("prompt_chars", len(prompt))))

	start := time.Now()
	out, err := extcall.Do(ctx, c.cfg.Policy, "generate."+string(stage), func(ctx context.Context) (string, error) {
		return c.gen.Generate(ctx, prompt, c.cfg.Temperature)
	})
	dur := time.Since(start).Seconds()

	if c.hooks.OnModelCall != nil {
		c.hooks.OnModelCall(stage, err == nil, dur)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.loggerFor(ctx).Error(ctx, err, "model call failed", "stage", stage, "duration", dur)
		return "", err
	}

	span.AddEvent("llm.response", trace.WithAttributes(attribute.Int("response_chars", len(out))))
	c.loggerFor(ctx).Info(ctx, "model call", "stage", stage, "duration", dur, "response_chars", len(out))
	return out, nil
}

func (c *Classifier) loggerFor(ctx context.Context) log.Logger {
	if run := RunFromContext(ctx); run != "" {
		return c.logger.With("triage_run", run)
	}
	return c.logger
}

// scalar keeps strings, numbers and nil; anything else becomes its JSON text.
func scalar(v any) any {
	switch v := v.(type) {
	case nil, string, float64:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(b)
	}
}

func clamp01(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}
