package triage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/loandesk/internal/dedup"
	"github.com/linnemanlabs/loandesk/internal/mailparse"
	"github.com/linnemanlabs/loandesk/internal/taxonomy"
)

// DuplicateChecker gates the pipeline on previously seen content.
type DuplicateChecker interface {
	Check(ctx context.Context, text string) (dedup.Result, error)
}

// Notifier is told about every newly created service request.
type Notifier interface {
	ServiceRequestCreated(ctx context.Context, sr *ServiceRequest) error
}

// Submission is the input to Service.Create.
type Submission struct {
	RequestType     string
	SubRequestType  *string
	DealID          string
	ExtractedFields map[string]any
	ConfidenceScore float64
	EmailText       string

	// Dedup carries a duplicate check already run on EmailText. When nil,
	// Create runs its own check.
	Dedup *dedup.Result
}

// Outcome is the result of processing one email.
type Outcome struct {
	TriageRun       string                `json:"triage_run"`
	IsDuplicate     bool                  `json:"is_duplicate"`
	ConfidenceScore *float64              `json:"confidence_score,omitempty"`
	DuplicateOf     string                `json:"duplicate_of,omitempty"`
	Classification  *ClassificationResult `json:"classification,omitempty"`
	ExtractedFields ExtractionResult      `json:"extracted_fields,omitempty"`
	ServiceRequest  *ServiceRequest       `json:"service_request,omitempty"`
	Error           string                `json:"error,omitempty"`
}

// Service is the business boundary for email triage and service requests.
type Service struct {
	store      Store
	classifier *Classifier
	checker    DuplicateChecker
	tax        *taxonomy.Taxonomy
	logger     log.Logger
	metrics    *Metrics
	notifier   Notifier
	now        func() time.Time
}

// NewService creates a new triage service. metrics and notifier may be nil.
func NewService(store Store, classifier *Classifier, checker DuplicateChecker, tax *taxonomy.Taxonomy, logger log.Logger, metrics *Metrics, notifier Notifier) *Service {
	if store == nil {
		panic(xerrors.New("triage: store is required"))
	}
	if checker == nil {
		panic(xerrors.New("triage: duplicate checker is required"))
	}
	if tax == nil {
		panic(xerrors.New("triage: taxonomy is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:      store,
		classifier: classifier,
		checker:    checker,
		tax:        tax,
		logger:     logger,
		metrics:    metrics,
		notifier:   notifier,
		now:        time.Now,
	}
}

// ProcessEmail runs the full pipeline on an uploaded file: content
// extraction, duplicate gate, classification, field extraction and creation
// of the service request. A duplicate is a successful outcome, not an error.
// Every failure is a *StageError and nothing is persisted.
func (s *Service) ProcessEmail(ctx context.Context, filename string, raw []byte) (*Outcome, error) {
	if s.classifier == nil {
		return nil, errors.New("triage: service has no classifier")
	}

	run := ulid.Make().String()
	ctx = withRun(ctx, run)
	ctx, span := tracer.Start(ctx, "triage.process", trace.WithAttributes(
		attribute.String("loandesk.triage_run", run),
	))
	defer span.End()

	start := time.Now()
	L := s.logger.With("triage_run", run)

	fail := func(stage Stage, err error) (*Outcome, error) {
		var se *StageError
		if !errors.As(err, &se) {
			err = stageErr(stage, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "email triage failed", "stage", stage)
		s.observeProcessed("error", start)
		return nil, err
	}

	text, err := mailparse.Extract(filename, raw)
	if err != nil {
		return fail(StageExtract, err)
	}

	check, err := s.checker.Check(ctx, text)
	if err != nil {
		return fail(StageDedup, err)
	}
	if check.IsDuplicate {
		L.Info(ctx, "duplicate email", "similarity", check.Similarity, "duplicate_of", check.MatchID)
		span.SetAttributes(attribute.Bool("loandesk.duplicate", true))
		s.observeProcessed("duplicate", start)
		sim := check.Similarity
		return &Outcome{
			TriageRun:       run,
			IsDuplicate:     true,
			ConfidenceScore: &sim,
			DuplicateOf:     check.MatchID,
			Error:           "Duplicate email detected",
		}, nil
	}

	cls, err := s.classifier.Classify(ctx, text)
	if err != nil {
		return fail(StageClassify, err)
	}
	L = L.With("request_type", cls.RequestType)

	fields, err := s.classifier.Extract(ctx, text, cls.RequestType)
	if err != nil {
		return fail(StageExtractFields, err)
	}

	sr, err := s.Create(ctx, Submission{
		RequestType:     cls.RequestType,
		SubRequestType:  cls.SubRequestType,
		DealID:          dealID(fields),
		ExtractedFields: fields,
		ConfidenceScore: cls.ConfidenceScore,
		EmailText:       text,
		Dedup:           &check,
	})
	if err != nil {
		return fail(StagePersist, err)
	}

	out := &Outcome{
		TriageRun:       run,
		Classification:  cls,
		ExtractedFields: fields,
		ServiceRequest:  sr,
	}
	if sr != nil {
		span.SetAttributes(
			attribute.String("loandesk.service_request_id", sr.ID),
			attribute.String("loandesk.team", sr.TeamAssigned),
		)
	}
	s.observeProcessed("created", start)
	L.Info(ctx, "email triaged", "duration", time.Since(start).Seconds())
	return out, nil
}

// Create files a new service request unless the content is a duplicate, in
// which case it returns nil and no error.
func (s *Service) Create(ctx context.Context, sub Submission) (*ServiceRequest, error) {
	if sub.Dedup == nil {
		res, err := s.checker.Check(ctx, sub.EmailText)
		if err != nil {
			return nil, stageErr(StageDedup, err)
		}
		sub.Dedup = &res
	}
	if sub.Dedup.IsDuplicate {
		return nil, nil
	}

	now := s.timestamp()
	sr := &ServiceRequest{
		ID:              uuid.NewString(),
		RequestType:     sub.RequestType,
		SubRequestType:  sub.SubRequestType,
		DealID:          sub.DealID,
		ExtractedFields: make(map[string]any, len(sub.ExtractedFields)),
		ConfidenceScore: clamp01(sub.ConfidenceScore),
		TeamAssigned:    s.tax.TeamFor(sub.RequestType),
		Status:          StatusNew,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for k, v := range sub.ExtractedFields {
		sr.ExtractedFields[k] = v
	}

	created, err := s.store.Create(ctx, sr)
	if err != nil {
		return nil, stageErr(StagePersist, err)
	}

	L := s.logger.With(
		"service_request_id", created.ID,
		"request_type", created.RequestType,
		"team", created.TeamAssigned,
	)
	if run := RunFromContext(ctx); run != "" {
		L = L.With("triage_run", run)
	}
	L.Info(ctx, "service request created")

	if s.metrics != nil {
		s.metrics.RequestsCreated.WithLabelValues(created.TeamAssigned).Inc()
	}

	if s.notifier != nil {
		if err := s.notifier.ServiceRequestCreated(ctx, created.Clone()); err != nil {
			L.Error(ctx, err, "failed to notify team")
		}
	}

	return created, nil
}

// Get retrieves a service request by ID.
func (s *Service) Get(ctx context.Context, id string) (*ServiceRequest, bool, error) {
	return s.store.Get(ctx, id)
}

// GetByTeam lists a team's service requests. The result is never nil.
func (s *Service) GetByTeam(ctx context.Context, team string) ([]*ServiceRequest, error) {
	out, err := s.store.GetByTeam(ctx, team)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*ServiceRequest{}
	}
	return out, nil
}

// UpdateStatus moves a service request to status. ok is false and nothing is
// written when id is unknown. Unknown statuses fail with ErrInvalidStatus and
// disallowed moves with ErrInvalidTransition.
func (s *Service) UpdateStatus(ctx context.Context, id, status string) (*ServiceRequest, bool, error) {
	next, err := ParseStatus(status)
	if err != nil {
		return nil, false, err
	}

	cur, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		return nil, false, err
	}
	if !CanTransition(cur.Status, next) {
		return nil, true, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next)
	}

	updatedAt := s.timestamp()
	if !updatedAt.After(cur.UpdatedAt) {
		updatedAt = cur.UpdatedAt.Add(time.Microsecond)
	}
	if updatedAt.Before(cur.CreatedAt) {
		updatedAt = cur.CreatedAt
	}

	sr, ok, err := s.store.UpdateStatus(ctx, id, next, updatedAt)
	if err != nil || !ok {
		return nil, ok, err
	}

	if s.metrics != nil {
		s.metrics.StatusUpdates.WithLabelValues(string(next)).Inc()
	}
	s.logger.Info(ctx, "service request status updated",
		"service_request_id", id,
		"from", cur.Status,
		"to", next,
	)
	return sr, true, nil
}

func (s *Service) observeProcessed(outcome string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.EmailsProcessed.WithLabelValues(outcome).Inc()
	s.metrics.ProcessDuration.Observe(time.Since(start).Seconds())
}

// timestamp is truncated to microseconds, the precision every store keeps.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// dealID renders the extracted deal identifier; absent means empty.
func dealID(fields ExtractionResult) string {
	switch v := fields[taxonomy.DealIDField].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

type runKey struct{}

func withRun(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runKey{}, id)
}

// RunFromContext returns the triage run id carried by ctx, if any.
func RunFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runKey{}).(string)
	return id
}
