package triage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/loandesk/internal/extcall"
	"github.com/linnemanlabs/loandesk/internal/taxonomy"
)

type reply struct {
	text string
	err  error
}

// mockGenerator answers classification and extraction prompts from
// separate queues; the last reply of a queue repeats.
type mockGenerator struct {
	mu       sync.Mutex
	classify []reply
	extract  []reply
	prompts  []string
}

func (g *mockGenerator) Generate(_ context.Context, prompt string, _ float64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)

	queue := &g.extract
	if strings.Contains(prompt, "expert email classifier") {
		queue = &g.classify
	}
	if len(*queue) == 0 {
		return "", errors.New("mockGenerator: no reply queued")
	}
	r := (*queue)[0]
	if len(*queue) > 1 {
		*queue = (*queue)[1:]
	}
	return r.text, r.err
}

func (g *mockGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func testPolicy() extcall.Policy {
	return extcall.Policy{Timeout: time.Second, MaxAttempts: 2, InitialInterval: time.Millisecond}
}

func newTestClassifier(gen Generator, hooks ClassifierHooks) *Classifier {
	return NewClassifier(gen, taxonomy.Default(), ClassifierConfig{Model: "test-model", Policy: testPolicy()}, log.Nop(), hooks)
}

const testEmail = "Subject: Fee payment DEAL-1234\n\nBody: Please process the ongoing fee of 5000 USD due 2026-04-01."

func TestClassify_ParsesFencedResponse(t *testing.T) {
	t.Parallel()

	gen := &mockGenerator{classify: []reply{{text: "Here you go:\n```json\n" +
		`{"request_type": "Fee Payment", "sub_request_type": "Ongoing Fee", "confidence_score": 0.93, "reason": "mentions ongoing fee"}` +
		"\n```"}}}
	c := newTestClassifier(gen, ClassifierHooks{})

	got, err := c.Classify(context.Background(), testEmail)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.RequestType != "Fee Payment" {
		t.Errorf("RequestType = %q", got.RequestType)
	}
	if got.SubRequestType == nil || *got.SubRequestType != "Ongoing Fee" {
		t.Errorf("SubRequestType = %v", got.SubRequestType)
	}
	if got.ConfidenceScore != 0.93 {
		t.Errorf("ConfidenceScore = %v", got.ConfidenceScore)
	}
	if got.Reason != "mentions ongoing fee" {
		t.Errorf("Reason = %q", got.Reason)
	}
}

func TestClassify_Normalization(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		response string
		wantSub  *string
		wantConf float64
	}{
		{
			name:     "sub-type of another request type dropped",
			response: `{"request_type":"Fee Payment","sub_request_type":"Increase","confidence_score":0.8,"reason":"r"}`,
			wantSub:  nil,
			wantConf: 0.8,
		},
		{
			name:     "string null sub-type",
			response: `{"request_type":"Adjustment","sub_request_type":"null","confidence_score":0.8,"reason":"r"}`,
			wantSub:  nil,
			wantConf: 0.8,
		},
		{
			name:     "confidence above one clamped",
			response: `{"request_type":"Commitment Change","sub_request_type":" Increase ","confidence_score":1.7,"reason":"r"}`,
			wantSub:  strPtr("Increase"),
			wantConf: 1,
		},
		{
			name:     "negative confidence clamped",
			response: `{"request_type":"Adjustment","sub_request_type":null,"confidence_score":-0.2,"reason":"r"}`,
			wantSub:  nil,
			wantConf: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClassifier(&mockGenerator{classify: []reply{{text: tt.response}}}, ClassifierHooks{})
			got, err := c.Classify(context.Background(), testEmail)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			switch {
			case tt.wantSub == nil && got.SubRequestType != nil:
				t.Errorf("SubRequestType = %q, want nil", *got.SubRequestType)
			case tt.wantSub != nil && (got.SubRequestType == nil || *got.SubRequestType != *tt.wantSub):
				t.Errorf("SubRequestType = %v, want %q", got.SubRequestType, *tt.wantSub)
			}
			if got.ConfidenceScore != tt.wantConf {
				t.Errorf("ConfidenceScore = %v, want %v", got.ConfidenceScore, tt.wantConf)
			}
		})
	}
}

func TestClassify_UnknownTypeKept(t *testing.T) {
	t.Parallel()

	gen := &mockGenerator{classify: []reply{{text: `{"request_type":"Loan Origination","confidence_score":0.4,"reason":"r"}`}}}
	got, err := newTestClassifier(gen, ClassifierHooks{}).Classify(context.Background(), testEmail)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.RequestType != "Loan Origination" {
		t.Errorf("RequestType = %q", got.RequestType)
	}
}

func TestClassify_NotJSONIsParseErrorWithoutRetry(t *testing.T) {
	t.Parallel()

	gen := &mockGenerator{classify: []reply{{text: "not json at all"}}}
	_, err := newTestClassifier(gen, ClassifierHooks{}).Classify(context.Background(), testEmail)

	var pe *ResponseParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ResponseParseError", err)
	}
	if pe.Excerpt != "not json at all" {
		t.Errorf("Excerpt = %q", pe.Excerpt)
	}
	if gen.calls() != 1 {
		t.Errorf("model calls = %d, want 1", gen.calls())
	}
}

func TestClassify_MissingRequestType(t *testing.T) {
	t.Parallel()

	gen := &mockGenerator{classify: []reply{{text: `{"confidence_score":0.4,"reason":"unsure"}`}}}
	_, err := newTestClassifier(gen, ClassifierHooks{}).Classify(context.Background(), testEmail)
	if !errors.Is(err, ErrResponseParse) {
		t.Fatalf("err = %v, want ErrResponseParse", err)
	}
}

func TestClassify_ModelFailureRetriedThenExternal(t *testing.T) {
	t.Parallel()

	gen := &mockGenerator{classify: []reply{{err: errors.New("503")}}}
	var hookCalls int
	var hookOK bool
	hooks := ClassifierHooks{OnModelCall: func(stage Stage, ok bool, _ float64) {
		hookCalls++
		hookOK = ok
		if stage != StageClassify {
			t.Errorf("stage = %q", stage)
		}
	}}
	_, err := newTestClassifier(gen, hooks).Classify(context.Background(), testEmail)
	if !errors.Is(err, ErrExternalService) {
		t.Fatalf("err = %v, want ErrExternalService", err)
	}
	if gen.calls() != 2 {
		t.Errorf("model calls = %d, want 2 (policy attempts)", gen.calls())
	}
	if hookCalls != 1 || hookOK {
		t.Errorf("hook calls = %d ok = %v, want 1 false", hookCalls, hookOK)
	}
}

func TestClassify_RetrySucceeds(t *testing.T) {
	t.Parallel()

	gen := &mockGenerator{classify: []reply{
		{err: errors.New("timeout")},
		{text: `{"request_type":"Adjustment","confidence_score":0.7,"reason":"r"}`},
	}}
	got, err := newTestClassifier(gen, ClassifierHooks{}).Classify(context.Background(), testEmail)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.RequestType != "Adjustment" {
		t.Errorf("RequestType = %q", got.RequestType)
	}
}

func TestExtract_KeepsExactlyRequestedFields(t *testing.T) {
	t.Parallel()

	gen := &mockGenerator{extract: []reply{{text: "```json\n" + `{
		"deal_id": "DEAL-1234",
		"fee_type": "Ongoing Fee",
		"amount": 5000,
		"payment_reference": {"ref": "PR-1"},
		"unrequested": "drop me"
	}` + "\n```"}}}

	got, err := newTestClassifier(gen, ClassifierHooks{}).Extract(context.Background(), testEmail, "Fee Payment")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	want := taxonomy.Default().FieldsFor("Fee Payment")
	if len(got) != len(want) {
		t.Fatalf("fields = %v, want %d entries", got, len(want))
	}
	for _, f := range want {
		if _, ok := got[f.Name]; !ok {
			t.Errorf("missing field %q", f.Name)
		}
	}
	if _, ok := got["unrequested"]; ok {
		t.Error("unrequested field kept")
	}
	if got["deal_id"] != "DEAL-1234" {
		t.Errorf("deal_id = %v", got["deal_id"])
	}
	if got["amount"] != 5000.0 {
		t.Errorf("amount = %v", got["amount"])
	}
	if got["due_date"] != nil {
		t.Errorf("due_date = %v, want nil", got["due_date"])
	}
	if got["payment_reference"] != `{"ref":"PR-1"}` {
		t.Errorf("payment_reference = %v, want JSON text", got["payment_reference"])
	}
}

func TestExtract_UnknownTypeAsksForDealID(t *testing.T) {
	t.Parallel()

	gen := &mockGenerator{extract: []reply{{text: `{"deal_id":"D-9","amount":1}`}}}
	got, err := newTestClassifier(gen, ClassifierHooks{}).Extract(context.Background(), testEmail, "Unlisted")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(got) != 1 || got["deal_id"] != "D-9" {
		t.Errorf("Extract = %v, want only deal_id", got)
	}
}

func TestExtract_ParseError(t *testing.T) {
	t.Parallel()

	gen := &mockGenerator{extract: []reply{{text: "I could not find any fields."}}}
	_, err := newTestClassifier(gen, ClassifierHooks{}).Extract(context.Background(), testEmail, "Adjustment")

	var pe *ResponseParseError
	if !errors.As(err, &pe) || pe.Stage != StageExtractFields {
		t.Fatalf("err = %v, want extract_fields *ResponseParseError", err)
	}
}

func TestBuildExtractionPrompt_RequestsExactFieldSet(t *testing.T) {
	t.Parallel()

	tax := taxonomy.Default()
	all := map[string]bool{}
	for _, name := range tax.Names() {
		for _, f := range tax.FieldsFor(name) {
			all[f.Name] = true
		}
	}

	for _, name := range tax.Names() {
		fields := tax.FieldsFor(name)
		prompt := buildExtractionPrompt(fields, name, "Subject: s\n\nBody: b")

		requested := map[string]bool{}
		for _, f := range fields {
			requested[f.Name] = true
			if !strings.Contains(prompt, `"`+f.Name+`": "<appropriate value>"`) {
				t.Errorf("%s: response shape missing %q", name, f.Name)
			}
			if !strings.Contains(prompt, f.Description) {
				t.Errorf("%s: description of %q missing", name, f.Name)
			}
		}
		for field := range all {
			if !requested[field] && strings.Contains(prompt, `"`+field+`"`) {
				t.Errorf("%s: prompt mentions unrequested field %q", name, field)
			}
		}
	}
}

func TestBuildClassificationPrompt(t *testing.T) {
	t.Parallel()

	tax := taxonomy.Default()
	prompt := buildClassificationPrompt(tax, testEmail)

	if !strings.Contains(prompt, testEmail) {
		t.Error("prompt missing email text")
	}
	for _, name := range tax.Names() {
		if !strings.Contains(prompt, `"`+name+`"`) {
			t.Errorf("prompt missing request type %q", name)
		}
	}
	for _, key := range []string{"request_type", "sub_request_type", "confidence_score", "reason"} {
		if !strings.Contains(prompt, `"`+key+`"`) {
			t.Errorf("prompt missing response key %q", key)
		}
	}
}

func TestNewClassifier_PanicsWithoutGenerator(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewClassifier(nil, taxonomy.Default(), ClassifierConfig{}, log.Nop(), ClassifierHooks{})
}
