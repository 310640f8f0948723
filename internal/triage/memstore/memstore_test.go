package memstore

import (
	"context"
	"testing"

	"github.com/linnemanlabs/loandesk/internal/triage"
	"github.com/linnemanlabs/loandesk/internal/triage/storetest"
)

func TestStore_Conformance(t *testing.T) {
	t.Parallel()
	storetest.Run(t, New())
}

func TestStore_CreateKeepsCallerCopy(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	sr := storetest.Request("FEE_TEAM")
	if _, err := s.Create(ctx, sr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sr.Status = triage.StatusRejected
	sr.ExtractedFields["deal_id"] = "changed"

	got, _, _ := s.Get(ctx, sr.ID)
	if got.Status != triage.StatusNew {
		t.Errorf("Status = %q, want NEW", got.Status)
	}
	if got.ExtractedFields["deal_id"] != "DEAL-7781" {
		t.Errorf("deal_id = %v, want DEAL-7781", got.ExtractedFields["deal_id"])
	}
}

func TestStore_GetByTeamNeverNil(t *testing.T) {
	t.Parallel()

	got, err := New().GetByTeam(context.Background(), "FEE_TEAM")
	if err != nil {
		t.Fatalf("GetByTeam: %v", err)
	}
	if got == nil {
		t.Error("GetByTeam returned nil slice")
	}
}
