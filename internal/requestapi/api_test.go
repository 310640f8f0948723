package requestapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/loandesk/internal/extcall"
	"github.com/linnemanlabs/loandesk/internal/triage"
)

// mockService implements Service over an in-memory map.
type mockService struct {
	mu         sync.Mutex
	requests   map[string]*triage.ServiceRequest
	processErr error
	outcome    *triage.Outcome
	gotFile    string
	gotRaw     []byte
	failReads  error
}

func newMockService() *mockService {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return &mockService{requests: map[string]*triage.ServiceRequest{
		"sr-1": {
			ID:              "sr-1",
			RequestType:     "Adjustment",
			DealID:          "DEAL-1",
			ExtractedFields: map[string]any{"deal_id": "DEAL-1"},
			ConfidenceScore: 0.9,
			TeamAssigned:    "ADJUSTMENT_TEAM",
			Status:          triage.StatusNew,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
	}}
}

func (m *mockService) ProcessEmail(_ context.Context, filename string, raw []byte) (*triage.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gotFile = filename
	m.gotRaw = raw
	if m.processErr != nil {
		return nil, m.processErr
	}
	if m.outcome != nil {
		return m.outcome, nil
	}
	return &triage.Outcome{TriageRun: "run-1", ServiceRequest: m.requests["sr-1"]}, nil
}

func (m *mockService) Get(_ context.Context, id string) (*triage.ServiceRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads != nil {
		return nil, false, m.failReads
	}
	sr, ok := m.requests[id]
	return sr, ok, nil
}

func (m *mockService) GetByTeam(_ context.Context, team string) ([]*triage.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads != nil {
		return nil, m.failReads
	}
	var out []*triage.ServiceRequest
	for _, sr := range m.requests {
		if sr.TeamAssigned == team {
			out = append(out, sr)
		}
	}
	return out, nil
}

func (m *mockService) UpdateStatus(_ context.Context, id, status string) (*triage.ServiceRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := triage.ParseStatus(status)
	if err != nil {
		return nil, false, err
	}
	sr, ok := m.requests[id]
	if !ok {
		return nil, false, nil
	}
	if !triage.CanTransition(sr.Status, next) {
		return nil, true, fmt.Errorf("%w: %s -> %s", triage.ErrInvalidTransition, sr.Status, next)
	}
	cp := *sr
	cp.Status = next
	cp.UpdatedAt = cp.UpdatedAt.Add(time.Second)
	m.requests[id] = &cp
	return &cp, true, nil
}

func newTestRouter(t *testing.T, opts Options) (chi.Router, *mockService) {
	t.Helper()
	svc := newMockService()
	r := chi.NewRouter()
	New(log.Nop(), svc, opts).RegisterRoutes(r)
	return r, svc
}

func uploadRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/process-email", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body %q: %v", rec.Body.String(), err)
	}
	return body
}

const sampleEML = "Subject: Adjustment DEAL-1\r\n\r\nPlease adjust.\r\n"

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New with nil service did not panic")
		}
	}()
	New(nil, nil, Options{})
}

func TestNew_DefaultsUploadLimit(t *testing.T) {
	t.Parallel()

	a := New(nil, newMockService(), Options{})
	if a.opts.MaxUploadBytes != DefaultMaxUploadBytes {
		t.Errorf("MaxUploadBytes = %d, want %d", a.opts.MaxUploadBytes, DefaultMaxUploadBytes)
	}
}

// Routing

func TestRegisterRoutes_Methods(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, Options{})

	tests := []struct {
		method     string
		path       string
		wantStatus int
	}{
		{http.MethodGet, "/process-email", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/service-requests/sr-1", http.StatusMethodNotAllowed},
		{http.MethodPost, "/service-requests/team/FEE_TEAM", http.StatusMethodNotAllowed},
		{http.MethodGet, "/service-requests/sr-1/status", http.StatusMethodNotAllowed},
		{http.MethodGet, "/", http.StatusNotFound},
		{http.MethodGet, "/service-requests", http.StatusNotFound},
		// A lookup of the id "team", which does not exist.
		{http.MethodGet, "/service-requests/team", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

// Email processing

func TestProcessEmail_OK(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t, Options{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, uploadRequest(t, "file", "adjust.eml", []byte(sampleEML)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if svc.gotFile != "adjust.eml" || string(svc.gotRaw) != sampleEML {
		t.Errorf("service got %q / %q", svc.gotFile, svc.gotRaw)
	}

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["is_duplicate"] != false {
		t.Errorf("is_duplicate = %v", out["is_duplicate"])
	}
	sr, ok := out["service_request"].(map[string]any)
	if !ok || sr["team_assigned"] != "ADJUSTMENT_TEAM" {
		t.Errorf("service_request = %v", out["service_request"])
	}
}

func TestProcessEmail_Duplicate(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t, Options{})
	sim := 0.97
	svc.outcome = &triage.Outcome{TriageRun: "run-2", IsDuplicate: true, ConfidenceScore: &sim, Error: "Duplicate email detected"}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, uploadRequest(t, "file", "again.eml", []byte(sampleEML)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["is_duplicate"] != true || out["confidence_score"] != 0.97 || out["error"] != "Duplicate email detected" {
		t.Errorf("body = %v", out)
	}
	if _, present := out["service_request"]; present {
		t.Error("duplicate outcome carries a service_request")
	}
}

func TestProcessEmail_MissingFile(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, Options{})

	tests := []struct {
		name string
		req  func() *http.Request
	}{
		{"wrong field name", func() *http.Request { return uploadRequest(t, "attachment", "a.eml", []byte(sampleEML)) }},
		{"not multipart", func() *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/process-email", strings.NewReader(sampleEML))
			req.Header.Set("Content-Type", "message/rfc822")
			return req
		}},
		{"empty body", func() *http.Request {
			return httptest.NewRequest(http.MethodPost, "/process-email", http.NoBody)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, tt.req())
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if body := decodeError(t, rec); body.Error != "No file provided" {
				t.Errorf("error = %q", body.Error)
			}
		})
	}
}

func TestProcessEmail_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantCode  int
		wantStage string
	}{
		{"invalid format", &triage.StageError{Stage: triage.StageExtract, Err: triage.ErrInvalidFormat}, http.StatusBadRequest, "extract"},
		{"decode", &triage.StageError{Stage: triage.StageExtract, Err: triage.ErrDecode}, http.StatusBadRequest, "extract"},
		{"response parse", &triage.StageError{Stage: triage.StageClassify, Err: &triage.ResponseParseError{Stage: triage.StageClassify, Excerpt: "nope", Err: errors.New("no JSON object found")}}, http.StatusInternalServerError, "classify"},
		{"external", &triage.StageError{Stage: triage.StageExtractFields, Err: &extcall.Error{Call: "generate.extract_fields", Attempts: 3, Err: errors.New("503")}}, http.StatusInternalServerError, "extract_fields"},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, svc := newTestRouter(t, Options{})
			svc.processErr = tt.err

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, uploadRequest(t, "file", "x.eml", []byte(sampleEML)))

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			body := decodeError(t, rec)
			if body.Stage != tt.wantStage {
				t.Errorf("stage = %q, want %q", body.Stage, tt.wantStage)
			}
			if body.Error != tt.err.Error() {
				t.Errorf("error = %q, want %q", body.Error, tt.err.Error())
			}
		})
	}
}

func TestProcessEmail_TooLarge(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t, Options{MaxUploadBytes: 512})
	big := sampleEML + strings.Repeat("x", 4096)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, uploadRequest(t, "file", "big.eml", []byte(big)))

	if rec.Code != http.StatusRequestEntityTooLarge && rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 413 or 400", rec.Code)
	}
	if svc.gotRaw != nil {
		t.Error("oversized upload reached the service")
	}
}

// Lookups

func TestGet(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, Options{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/service-requests/sr-1", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got triage.ServiceRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "sr-1" || got.Status != triage.StatusNew {
		t.Errorf("got %+v", got)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/service-requests/missing", http.NoBody))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", rec.Code)
	}
	if body := decodeError(t, rec); body.Error != "Service request not found" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestGet_StoreFailure(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t, Options{})
	svc.failReads = errors.New("connection refused")

	for _, path := range []string{"/service-requests/sr-1", "/service-requests/team/ADJUSTMENT_TEAM"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("GET %s = %d, want 500", path, rec.Code)
		}
	}
}

func TestGetByTeam(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, Options{})

	tests := []struct {
		team string
		want int
	}{
		{"ADJUSTMENT_TEAM", 1},
		{"FEE_TEAM", 0},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/service-requests/team/"+tt.team, http.NoBody))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", tt.team, rec.Code)
		}
		if tt.want == 0 && strings.TrimSpace(rec.Body.String()) != "[]" {
			t.Errorf("%s: body = %s, want []", tt.team, rec.Body)
		}
		var got []map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(got) != tt.want {
			t.Errorf("%s: %d requests, want %d", tt.team, len(got), tt.want)
		}
	}
}

// Status updates

func TestUpdateStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
	}{
		{"resolved", "/service-requests/sr-1/status", `{"status":"RESOLVED"}`, http.StatusOK},
		{"lowercase", "/service-requests/sr-1/status", `{"status":"in_progress"}`, http.StatusOK},
		{"missing status", "/service-requests/sr-1/status", `{}`, http.StatusBadRequest},
		{"null status", "/service-requests/sr-1/status", `{"status":null}`, http.StatusBadRequest},
		{"not json", "/service-requests/sr-1/status", `status=RESOLVED`, http.StatusBadRequest},
		{"empty body", "/service-requests/sr-1/status", ``, http.StatusBadRequest},
		{"unknown status", "/service-requests/sr-1/status", `{"status":"ARCHIVED"}`, http.StatusBadRequest},
		{"unknown id", "/service-requests/nope/status", `{"status":"RESOLVED"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, _ := newTestRouter(t, Options{})
			req := httptest.NewRequest(http.MethodPut, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body)
			}
		})
	}
}

func TestUpdateStatus_ReturnsUpdatedEntity(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, Options{})
	req := httptest.NewRequest(http.MethodPut, "/service-requests/sr-1/status", strings.NewReader(`{"status":"RESOLVED"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var got triage.ServiceRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != triage.StatusResolved {
		t.Errorf("Status = %q, want RESOLVED", got.Status)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Errorf("updated_at %v not after created_at %v", got.UpdatedAt, got.CreatedAt)
	}
}

func TestUpdateStatus_IllegalTransition(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, Options{})
	put := func(status string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, "/service-requests/sr-1/status", strings.NewReader(`{"status":"`+status+`"}`))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	if rec := put("REJECTED"); rec.Code != http.StatusOK {
		t.Fatalf("REJECTED = %d", rec.Code)
	}
	rec := put("RESOLVED")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("REJECTED -> RESOLVED = %d, want 400", rec.Code)
	}
	if body := decodeError(t, rec); !strings.Contains(body.Error, "REJECTED -> RESOLVED") {
		t.Errorf("error = %q", body.Error)
	}
}

func TestUpdateStatus_RequiresToken(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, Options{APIToken: "ops-token"})

	tests := []struct {
		name     string
		auth     string
		wantCode int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer ops-token", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPut, "/service-requests/sr-1/status", strings.NewReader(`{"status":"IN_PROGRESS"}`))
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}

	// Reads stay open.
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/service-requests/sr-1", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Errorf("GET with token configured = %d, want 200", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{triage.ErrInvalidFormat, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", triage.ErrDecode), http.StatusBadRequest},
		{triage.ErrInvalidStatus, http.StatusBadRequest},
		{triage.ErrInvalidTransition, http.StatusBadRequest},
		{triage.ErrNotFound, http.StatusNotFound},
		{triage.ErrResponseParse, http.StatusInternalServerError},
		{triage.ErrExternalService, http.StatusInternalServerError},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func FuzzUpdateStatusBody(f *testing.F) {
	f.Add(`{"status":"RESOLVED"}`)
	f.Add(`{"status":""}`)
	f.Add(`{"status":7}`)
	f.Add(`[]`)
	f.Add(`{`)

	r := chi.NewRouter()
	New(log.Nop(), newMockService(), Options{}).RegisterRoutes(r)

	f.Fuzz(func(t *testing.T, body string) {
		req := httptest.NewRequest(http.MethodPut, "/service-requests/sr-1/status", strings.NewReader(body))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code >= http.StatusInternalServerError {
			t.Fatalf("body %q produced %d", body, rec.Code)
		}
	})
}
