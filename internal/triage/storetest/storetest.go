// Package storetest is a conformance suite run against every triage.Store
// implementation.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/linnemanlabs/loandesk/internal/triage"
)

// Run exercises s. Every case uses fresh ids and team names, so s may be
// shared with other data.
func Run(t *testing.T, s triage.Store) {
	t.Helper()

	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, s) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, s) })
	t.Run("CreateDuplicateID", func(t *testing.T) { testCreateDuplicateID(t, s) })
	t.Run("GetByTeam", func(t *testing.T) { testGetByTeam(t, s) })
	t.Run("UpdateStatus", func(t *testing.T) { testUpdateStatus(t, s) })
	t.Run("UpdateStatusMissing", func(t *testing.T) { testUpdateStatusMissing(t, s) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, s) })
}

func sub(s string) *string { return &s }

// Request returns a fully populated request on team.
func Request(team string) *triage.ServiceRequest {
	created := time.Now().UTC().Truncate(time.Microsecond)
	return &triage.ServiceRequest{
		ID:             uuid.NewString(),
		RequestType:    "Money Movement - Outbound",
		SubRequestType: sub("Foreign Currency"),
		DealID:         "DEAL-7781",
		ExtractedFields: map[string]any{
			"deal_id":             "DEAL-7781",
			"disbursement_amount": 250000.5,
			"currency":            "EUR",
			"beneficiary_name":    nil,
		},
		ConfidenceScore: 0.87,
		TeamAssigned:    team,
		Status:          triage.StatusNew,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func uniqueTeam() string {
	return "TEAM_" + uuid.NewString()
}

func testCreateAndGet(t *testing.T, s triage.Store) {
	ctx := context.Background()
	want := Request(uniqueTeam())

	created, err := s.Create(ctx, want)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID != want.ID {
		t.Errorf("Create ID = %q, want %q", created.ID, want.ID)
	}

	got, ok, err := s.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}
	assertRequest(t, want, got)

	got.ExtractedFields["currency"] = "mutated"
	again, _, _ := s.Get(ctx, want.ID)
	if again.ExtractedFields["currency"] != "EUR" {
		t.Error("Get returned a request sharing state with the store")
	}

	noSub := Request(uniqueTeam())
	noSub.SubRequestType = nil
	noSub.ExtractedFields = map[string]any{}
	if _, err := s.Create(ctx, noSub); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, _, err = s.Get(ctx, noSub.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SubRequestType != nil {
		t.Errorf("SubRequestType = %q, want nil", *got.SubRequestType)
	}
	if len(got.ExtractedFields) != 0 {
		t.Errorf("ExtractedFields = %v, want empty", got.ExtractedFields)
	}
}

func testGetMissing(t *testing.T, s triage.Store) {
	sr, ok, err := s.Get(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok || sr != nil {
		t.Errorf("Get = %v, %v; want nil, false", sr, ok)
	}
}

func testCreateDuplicateID(t *testing.T, s triage.Store) {
	ctx := context.Background()
	sr := Request(uniqueTeam())
	if _, err := s.Create(ctx, sr); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, sr); err == nil {
		t.Error("second Create with the same id succeeded")
	}
}

func testGetByTeam(t *testing.T, s triage.Store) {
	ctx := context.Background()
	team, other := uniqueTeam(), uniqueTeam()

	base := time.Now().UTC().Truncate(time.Microsecond)
	var ids []string
	for i := range 3 {
		sr := Request(team)
		sr.CreatedAt = base.Add(time.Duration(i) * time.Second)
		sr.UpdatedAt = sr.CreatedAt
		if _, err := s.Create(ctx, sr); err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, sr.ID)
	}
	if _, err := s.Create(ctx, Request(other)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.GetByTeam(ctx, team)
	if err != nil {
		t.Fatalf("GetByTeam: %v", err)
	}
	if len(got) != len(ids) {
		t.Fatalf("GetByTeam = %d requests, want %d", len(got), len(ids))
	}
	for i, sr := range got {
		if sr.ID != ids[i] {
			t.Errorf("GetByTeam[%d] = %q, want %q (oldest first)", i, sr.ID, ids[i])
		}
		if sr.TeamAssigned != team {
			t.Errorf("GetByTeam[%d] team = %q", i, sr.TeamAssigned)
		}
	}

	none, err := s.GetByTeam(ctx, uniqueTeam())
	if err != nil {
		t.Fatalf("GetByTeam: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("GetByTeam(unknown) = %d requests, want 0", len(none))
	}
}

func testUpdateStatus(t *testing.T, s triage.Store) {
	ctx := context.Background()
	sr := Request(uniqueTeam())
	if _, err := s.Create(ctx, sr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	later := sr.UpdatedAt.Add(90 * time.Second)
	updated, ok, err := s.UpdateStatus(ctx, sr.ID, triage.StatusInProgress, later)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if !ok {
		t.Fatal("UpdateStatus ok=false, want true")
	}
	if updated.Status != triage.StatusInProgress {
		t.Errorf("Status = %q, want IN_PROGRESS", updated.Status)
	}
	if !updated.UpdatedAt.Equal(later) {
		t.Errorf("UpdatedAt = %v, want %v", updated.UpdatedAt, later)
	}
	if !updated.CreatedAt.Equal(sr.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", updated.CreatedAt, sr.CreatedAt)
	}

	got, _, err := s.Get(ctx, sr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != triage.StatusInProgress || !got.UpdatedAt.Equal(later) {
		t.Errorf("stored = %s at %v, want IN_PROGRESS at %v", got.Status, got.UpdatedAt, later)
	}
	if got.DealID != sr.DealID || got.ExtractedFields["currency"] != "EUR" {
		t.Errorf("UpdateStatus touched other fields: %+v", got)
	}
}

func testUpdateStatusMissing(t *testing.T, s triage.Store) {
	sr, ok, err := s.UpdateStatus(context.Background(), uuid.NewString(), triage.StatusResolved, time.Now())
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if ok || sr != nil {
		t.Errorf("UpdateStatus = %v, %v; want nil, false", sr, ok)
	}
}

func testConcurrentCreate(t *testing.T, s triage.Store) {
	ctx := context.Background()
	team := uniqueTeam()
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Create(ctx, Request(team)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Create: %v", err)
	}

	got, err := s.GetByTeam(ctx, team)
	if err != nil {
		t.Fatalf("GetByTeam: %v", err)
	}
	if len(got) != n {
		t.Errorf("GetByTeam = %d requests, want %d", len(got), n)
	}
}

func assertRequest(t *testing.T, want, got *triage.ServiceRequest) {
	t.Helper()
	assertEqual(t, "ID", want.ID, got.ID)
	assertEqual(t, "RequestType", want.RequestType, got.RequestType)
	assertEqual(t, "DealID", want.DealID, got.DealID)
	assertEqual(t, "ConfidenceScore", want.ConfidenceScore, got.ConfidenceScore)
	assertEqual(t, "TeamAssigned", want.TeamAssigned, got.TeamAssigned)
	assertEqual(t, "Status", want.Status, got.Status)

	if got.SubRequestType == nil || *got.SubRequestType != *want.SubRequestType {
		t.Errorf("SubRequestType = %v, want %q", got.SubRequestType, *want.SubRequestType)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
	if !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, want.UpdatedAt)
	}
	if len(got.ExtractedFields) != len(want.ExtractedFields) {
		t.Fatalf("ExtractedFields = %v, want %v", got.ExtractedFields, want.ExtractedFields)
	}
	for k, v := range want.ExtractedFields {
		if gv, ok := got.ExtractedFields[k]; !ok || gv != v {
			t.Errorf("ExtractedFields[%q] = %v, want %v", k, gv, v)
		}
	}
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s = %v, want %v", field, got, want)
	}
}
