// Package dedup detects resubmitted emails by comparing embeddings of their
// canonical text against every email seen during the process lifetime.
//
// The corpus is volatile: it lives in memory and is lost on restart.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/loandesk/internal/extcall"
)

var tracer = otel.Tracer("github.com/linnemanlabs/loandesk/internal/dedup")

// Threshold is the normalized similarity above which content is a duplicate.
const Threshold = 0.8

// Encoder turns text into a fixed-dimensionality embedding.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float64, error)
}

// Entry is one remembered submission.
type Entry struct {
	ID      string
	Vector  []float64
	Text    string
	AddedAt time.Time
}

// Result is the outcome of a duplicate check. MatchID names the corpus entry
// that made the content a duplicate.
type Result struct {
	IsDuplicate bool    `json:"is_duplicate"`
	Similarity  float64 `json:"similarity"`
	MatchID     string  `json:"match_id,omitempty"`
}

// Hooks observe checks, typically for metrics.
type Hooks struct {
	OnCheck func(duplicate bool, similarity float64, corpusSize int, seconds float64)
}

// Detector owns the append-only embedding corpus.
type Detector struct {
	// mu is held across encode, compare and append so two concurrent
	// submissions of the same text cannot both miss each other.
	mu      sync.Mutex
	entries []Entry

	encoder Encoder
	policy  extcall.Policy
	logger  log.Logger
	hooks   Hooks
	now     func() time.Time
}

// New creates a Detector with an empty corpus.
func New(encoder Encoder, policy extcall.Policy, logger log.Logger, hooks Hooks) *Detector {
	if encoder == nil {
		panic(xerrors.New("dedup: encoder is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Detector{
		encoder: encoder,
		policy:  policy,
		logger:  logger,
		hooks:   hooks,
		now:     time.Now,
	}
}

// Check encodes text, scores it against the corpus and appends it.
// The new entry is stored even when it is a duplicate. An encoder failure
// leaves the corpus untouched.
func (d *Detector) Check(ctx context.Context, text string) (Result, error) {
	ctx, span := tracer.Start(ctx, "dedup.check")
	defer span.End()

	start := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	vec, err := extcall.Do(ctx, d.policy, "encode", func(ctx context.Context) ([]float64, error) {
		v, err := d.encoder.Encode(ctx, text)
		if err == nil && len(v) == 0 {
			return nil, extcall.Permanent(errors.New("encoder returned an empty vector"))
		}
		return v, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("dedup: %w", err)
	}

	var best float64
	var bestID string
	for i := range d.entries {
		if s := Similarity(vec, d.entries[i].Vector); s > best {
			best = s
			bestID = d.entries[i].ID
		}
	}

	entry := Entry{
		ID:      ulid.Make().String(),
		Vector:  append([]float64(nil), vec...),
		Text:    text,
		AddedAt: d.now(),
	}
	d.entries = append(d.entries, entry)

	res := Result{IsDuplicate: best > Threshold, Similarity: best}
	if res.IsDuplicate {
		res.MatchID = bestID
	}

	size := len(d.entries)
	span.SetAttributes(
		attribute.Bool("dedup.duplicate", res.IsDuplicate),
		attribute.Float64("dedup.similarity", res.Similarity),
		attribute.Int("dedup.corpus_size", size),
	)

	d.logger.Info(ctx, "dedup check",
		"entry_id", entry.ID,
		"duplicate", res.IsDuplicate,
		"similarity", res.Similarity,
		"match_id", res.MatchID,
		"corpus_size", size,
	)

	if d.hooks.OnCheck != nil {
		d.hooks.OnCheck(res.IsDuplicate, res.Similarity, size, time.Since(start).Seconds())
	}

	return res, nil
}

// Len returns the number of remembered submissions.
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Similarity maps the cosine similarity of a and b from [-1, 1] onto [0, 1],
// rounded to 4 decimal places. Vectors of different length or zero norm
// have cosine 0.
func Similarity(a, b []float64) float64 {
	s := (cosine(a, b) + 1) / 2
	s = math.Max(0, math.Min(1, s))
	return math.Round(s*1e4) / 1e4
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	c := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(c) {
		return 0
	}
	return c
}
