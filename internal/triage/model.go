package triage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status tracks where a service request is in its lifecycle.
type Status string

const (
	// StatusNew is the status of every freshly created request.
	StatusNew Status = "NEW"

	// StatusInProgress means a team member picked the request up.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusResolved means the requested operation was carried out.
	StatusResolved Status = "RESOLVED"

	// StatusRejected means the request will not be actioned.
	StatusRejected Status = "REJECTED"
)

// Statuses lists every known status in lifecycle order.
var Statuses = []Status{StatusNew, StatusInProgress, StatusResolved, StatusRejected}

var transitions = map[Status][]Status{
	StatusNew:        {StatusInProgress, StatusResolved, StatusRejected},
	StatusInProgress: {StatusNew, StatusResolved, StatusRejected},
	StatusResolved:   {StatusInProgress},
	StatusRejected:   {StatusNew},
}

// ParseStatus normalizes s and checks it against the known set.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q (want one of %s)", ErrInvalidStatus, s, statusList())
	}
	return st, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether a request in from may move to to. Setting the
// current status again is always allowed. Records carrying a status outside
// the known set may move to any known status.
func CanTransition(from, to Status) bool {
	if !to.Valid() {
		return false
	}
	if from == to || !from.Valid() {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func statusList() string {
	parts := make([]string, len(Statuses))
	for i, s := range Statuses {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

// ClassificationResult is the first-stage model verdict.
type ClassificationResult struct {
	RequestType     string  `json:"request_type"`
	SubRequestType  *string `json:"sub_request_type"`
	ConfidenceScore float64 `json:"confidence_score"`
	Reason          string  `json:"reason"`
}

// ExtractionResult maps field names to string, number or nil values.
type ExtractionResult map[string]any

// ServiceRequest is one triaged, non-duplicate email.
type ServiceRequest struct {
	ID              string
	RequestType     string
	SubRequestType  *string
	DealID          string
	ExtractedFields map[string]any
	ConfidenceScore float64
	TeamAssigned    string
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a deep copy of sr.
func (sr *ServiceRequest) Clone() *ServiceRequest {
	if sr == nil {
		return nil
	}
	cp := *sr
	if sr.SubRequestType != nil {
		sub := *sr.SubRequestType
		cp.SubRequestType = &sub
	}
	if sr.ExtractedFields != nil {
		cp.ExtractedFields = make(map[string]any, len(sr.ExtractedFields))
		for k, v := range sr.ExtractedFields {
			cp.ExtractedFields[k] = v
		}
	}
	return &cp
}

type serviceRequestJSON struct {
	ID              string          `json:"id"`
	RequestType     string          `json:"request_type"`
	SubRequestType  *string         `json:"sub_request_type"`
	DealID          string          `json:"deal_id"`
	ExtractedFields map[string]any  `json:"extracted_fields"`
	ConfidenceScore float64         `json:"confidence_score"`
	TeamAssigned    *string         `json:"team_assigned"`
	Status          Status          `json:"status"`
	CreatedAt       json.RawMessage `json:"created_at"`
	UpdatedAt       json.RawMessage `json:"updated_at"`
}

// MarshalJSON renders timestamps as RFC 3339 and zero values as null.
func (sr ServiceRequest) MarshalJSON() ([]byte, error) {
	w := serviceRequestJSON{
		ID:              sr.ID,
		RequestType:     sr.RequestType,
		SubRequestType:  sr.SubRequestType,
		DealID:          sr.DealID,
		ExtractedFields: sr.ExtractedFields,
		ConfidenceScore: sr.ConfidenceScore,
		Status:          sr.Status,
		CreatedAt:       encodeTime(sr.CreatedAt),
		UpdatedAt:       encodeTime(sr.UpdatedAt),
	}
	if w.ExtractedFields == nil {
		w.ExtractedFields = map[string]any{}
	}
	if sr.TeamAssigned != "" {
		team := sr.TeamAssigned
		w.TeamAssigned = &team
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts the MarshalJSON form. A timestamp that is not a
// parsable string decodes to the zero time instead of failing.
func (sr *ServiceRequest) UnmarshalJSON(data []byte) error {
	var w serviceRequestJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*sr = ServiceRequest{
		ID:              w.ID,
		RequestType:     w.RequestType,
		SubRequestType:  w.SubRequestType,
		DealID:          w.DealID,
		ExtractedFields: w.ExtractedFields,
		ConfidenceScore: w.ConfidenceScore,
		Status:          w.Status,
		CreatedAt:       decodeTime(w.CreatedAt),
		UpdatedAt:       decodeTime(w.UpdatedAt),
	}
	if w.TeamAssigned != nil {
		sr.TeamAssigned = *w.TeamAssigned
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func encodeTime(t time.Time) json.RawMessage {
	if t.IsZero() {
		return json.RawMessage("null")
	}
	b, _ := json.Marshal(t.UTC().Format(time.RFC3339Nano))
	return b
}

func decodeTime(raw json.RawMessage) time.Time {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil || s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
