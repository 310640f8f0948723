// Package requestapi exposes email triage and service-request lifecycle over
// HTTP.
package requestapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/loandesk/internal/authmw"
	"github.com/linnemanlabs/loandesk/internal/triage"
)

// DefaultMaxUploadBytes bounds an uploaded email when Options leaves it unset.
const DefaultMaxUploadBytes = 10 << 20

// Service defines the business operations requestapi needs.
type Service interface {
	ProcessEmail(ctx context.Context, filename string, raw []byte) (*triage.Outcome, error)
	Get(ctx context.Context, id string) (*triage.ServiceRequest, bool, error)
	GetByTeam(ctx context.Context, team string) ([]*triage.ServiceRequest, error)
	UpdateStatus(ctx context.Context, id, status string) (*triage.ServiceRequest, bool, error)
}

// Options tunes the API.
type Options struct {
	// APIToken guards status updates. Empty leaves them open.
	APIToken       string
	MaxUploadBytes int64
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	svc       Service
	opts      Options
	guardEdit func(http.Handler) http.Handler
}

// New creates a new API handler.
func New(logger log.Logger, svc Service, opts Options) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("requestapi: service is required"))
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &API{
		logger:    logger,
		svc:       svc,
		opts:      opts,
		guardEdit: authmw.BearerToken(opts.APIToken),
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Post("/process-email", a.handleProcessEmail)
	r.Route("/service-requests", func(r chi.Router) {
		r.Get("/team/{team}", a.handleGetByTeam)
		r.Get("/{id}", a.handleGet)
		r.With(a.guardEdit).Put("/{id}/status", a.handleUpdateStatus)
	})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("loandesk.service_request_id", id))

	sr, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Service request not found"})
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

func (a *API) handleGetByTeam(w http.ResponseWriter, r *http.Request) {
	team := chi.URLParam(r, "team")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("loandesk.team", team))

	list, err := a.svc.GetByTeam(r.Context(), team)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*triage.ServiceRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

type statusBody struct {
	Status *string `json:"status"`
}

func (a *API) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("loandesk.service_request_id", id))

	var body statusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Status is required"})
		return
	}

	sr, ok, err := a.svc.UpdateStatus(r.Context(), id, *body.Status)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Service request not found"})
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

type errorBody struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

// statusFor maps the triage error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, triage.ErrInvalidFormat),
		errors.Is(err, triage.ErrDecode),
		errors.Is(err, triage.ErrInvalidStatus),
		errors.Is(err, triage.ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, triage.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	body := errorBody{Error: err.Error()}

	var se *triage.StageError
	if errors.As(err, &se) {
		body.Stage = string(se.Stage)
	}

	if code >= http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, "request failed", "path", r.URL.Path, "stage", body.Stage)
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
