package extraction

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/chronica-ai/timeline/pkg/common/logger"
	"github.com/chronica-ai/timeline/pkg/common/models"
	"github.com/chronica-ai/timeline/pkg/policy"
)

func TestMain(m *testing.M) {
	logger.Init("test")
	os.Exit(m.Run())
}

const longText = "Resection proceeded without complication and the margins were reported clear on frozen section."

type oracleStub struct {
	calls     int
	responses []oracleResponse
}

type oracleResponse struct {
	result *Result
	err    error
}

func (o *oracleStub) Extract(ctx context.Context, prompt string, schema Schema) (*Result, error) {
	resp := o.responses[len(o.responses)-1]
	if o.calls < len(o.responses) {
		resp = o.responses[o.calls]
	}
	o.calls++
	return resp.result, resp.err
}

type extractorStub struct {
	text  string
	err   error
	calls int
}

func (e *extractorStub) ExtractText(ctx context.Context, documentRef string) (string, error) {
	e.calls++
	return e.text, e.err
}

type updaterStub struct {
	calls int
	err   error
}

func (u *updaterStub) UpdateExtraction(ctx context.Context, eventID string, tier int, confidence *float64) error {
	u.calls++
	return u.err
}

func tierPolicy() policy.Policy {
	return policy.Policy{
		Fields: map[string]policy.FieldRule{
			"surgical_outcome": {
				MinTextLength: 40,
				MinConfidence: 0.75,
			},
		},
	}
}

func surgeryEvent(fields map[string]interface{}) *models.Event {
	d := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return &models.Event{
		ID:        "e1",
		PatientID: "p1",
		Type:      models.EventSurgery,
		Date:      &d,
		Source:    "procedures",
		RawFields: fields,
	}
}

func newManager(oracle Oracle, extractor TextExtractor, updater EventUpdater) *TierManager {
	return NewTierManager(TierManagerOptions{
		Policy:         tierPolicy(),
		Oracle:         oracle,
		Extractor:      extractor,
		Updater:        updater,
		RetryAttempts:  1,
		RetryBaseDelay: time.Millisecond,
	})
}

func result(field string, value interface{}, confidence float64) *Result {
	return &Result{Fields: map[string]interface{}{field: value}, Confidence: confidence}
}

func TestTier1ResolvesConfidentExtraction(t *testing.T) {
	oracle := &oracleStub{responses: []oracleResponse{
		{result: result("surgical_outcome", "complete", 0.92)},
	}}
	updater := &updaterStub{}
	manager := newManager(oracle, &extractorStub{}, updater)

	event := surgeryEvent(map[string]interface{}{"impression": longText})
	resolution, err := manager.ResolveField(context.Background(), event, "surgical_outcome")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolution.Status != models.GapResolved {
		t.Fatalf("expected RESOLVED, got %s (%s)", resolution.Status, resolution.Reason)
	}
	if resolution.TierUsed != models.TierStructured {
		t.Fatalf("expected tier 1, got %d", resolution.TierUsed)
	}
	if resolution.Confidence == nil || *resolution.Confidence != 0.92 {
		t.Fatalf("resolved value must carry its confidence, got %v", resolution.Confidence)
	}
	if updater.calls != 1 {
		t.Fatalf("expected one persistence call, got %d", updater.calls)
	}
}

func TestLowConfidenceTier1EscalatesToTier2(t *testing.T) {
	oracle := &oracleStub{responses: []oracleResponse{
		{result: result("surgical_outcome", "complete", 0.4)},
		{result: result("surgical_outcome", "complete", 0.88)},
	}}
	extractor := &extractorStub{text: longText}
	manager := newManager(oracle, extractor, &updaterStub{})

	event := surgeryEvent(map[string]interface{}{
		"impression":   longText,
		"document_ref": "doc-1",
	})
	resolution, err := manager.ResolveField(context.Background(), event, "surgical_outcome")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolution.Status != models.GapResolved {
		t.Fatalf("expected RESOLVED via tier 2, got %s (%s)", resolution.Status, resolution.Reason)
	}
	if resolution.TierUsed != models.TierDocument {
		t.Fatalf("expected tier 2, got %d", resolution.TierUsed)
	}
	if extractor.calls != 1 {
		t.Fatalf("expected one document extraction, got %d", extractor.calls)
	}
	if oracle.calls != 2 {
		t.Fatalf("expected two oracle calls, got %d", oracle.calls)
	}
}

func TestTier2FailureRoutesToManualReview(t *testing.T) {
	oracle := &oracleStub{responses: []oracleResponse{
		{result: result("surgical_outcome", "complete", 0.4)},
	}}
	extractor := &extractorStub{err: errors.New("document service unavailable")}
	manager := newManager(oracle, extractor, &updaterStub{})

	event := surgeryEvent(map[string]interface{}{
		"impression":   longText,
		"document_ref": "doc-1",
	})
	resolution, err := manager.ResolveField(context.Background(), event, "surgical_outcome")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolution.Status != models.GapManualReview {
		t.Fatalf("expected REQUIRES_MANUAL_REVIEW, got %s", resolution.Status)
	}
	if resolution.Reason == "" {
		t.Fatal("manual-review routing must carry a reason")
	}
}

func TestShortTextSkipsTier1(t *testing.T) {
	oracle := &oracleStub{responses: []oracleResponse{
		{result: result("surgical_outcome", "complete", 0.9)},
	}}
	extractor := &extractorStub{text: longText}
	manager := newManager(oracle, extractor, &updaterStub{})

	event := surgeryEvent(map[string]interface{}{
		"impression":   "GTR", // too short to trust
		"document_ref": "doc-1",
	})
	resolution, err := manager.ResolveField(context.Background(), event, "surgical_outcome")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolution.TierUsed != models.TierDocument {
		t.Fatalf("short text should route straight to tier 2, got tier %d", resolution.TierUsed)
	}
	if extractor.calls != 1 {
		t.Fatalf("expected one document extraction, got %d", extractor.calls)
	}
}

func TestNoDocumentRoutesToManualReview(t *testing.T) {
	manager := newManager(&oracleStub{responses: []oracleResponse{
		{result: result("surgical_outcome", "complete", 0.4)},
	}}, &extractorStub{}, &updaterStub{})

	event := surgeryEvent(map[string]interface{}{"impression": longText})
	resolution, err := manager.ResolveField(context.Background(), event, "surgical_outcome")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolution.Status != models.GapManualReview {
		t.Fatalf("no linked document should route to manual review, got %s", resolution.Status)
	}
}

func TestEmptyDocumentTextNeverResolves(t *testing.T) {
	manager := newManager(&oracleStub{responses: []oracleResponse{
		{result: result("surgical_outcome", "complete", 0.4)},
	}}, &extractorStub{text: "   "}, &updaterStub{})

	event := surgeryEvent(map[string]interface{}{
		"impression":   longText,
		"document_ref": "doc-1",
	})
	resolution, err := manager.ResolveField(context.Background(), event, "surgical_outcome")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolution.Status != models.GapManualReview {
		t.Fatalf("image-only document should route to manual review, got %s", resolution.Status)
	}
	if resolution.Value == "complete" && resolution.TierUsed == models.TierDocument {
		t.Fatal("a stale tier-1 value must not pass as a tier-2 resolution")
	}
}

func TestManualReviewStateIsSticky(t *testing.T) {
	oracle := &oracleStub{responses: []oracleResponse{
		{result: result("surgical_outcome", "complete", 0.4)},
	}}
	manager := newManager(oracle, &extractorStub{err: errors.New("down")}, &updaterStub{})

	event := surgeryEvent(map[string]interface{}{
		"impression":   longText,
		"document_ref": "doc-1",
	})
	first, err := manager.ResolveField(context.Background(), event, "surgical_outcome")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if first.Status != models.GapManualReview {
		t.Fatalf("setup expected manual review, got %s", first.Status)
	}

	callsBefore := oracle.calls
	second, err := manager.ResolveField(context.Background(), event, "surgical_outcome")
	if err != nil {
		t.Fatalf("re-resolve failed: %v", err)
	}
	if second.Status != models.GapManualReview {
		t.Fatalf("terminal state must not be re-resolved silently, got %s", second.Status)
	}
	if oracle.calls != callsBefore {
		t.Fatal("terminal state must not trigger further oracle calls")
	}
}

func TestReopenRestartsStateMachine(t *testing.T) {
	oracle := &oracleStub{responses: []oracleResponse{
		{result: result("surgical_outcome", "complete", 0.4)},
		{result: result("surgical_outcome", "complete", 0.95)},
	}}
	manager := newManager(oracle, &extractorStub{err: errors.New("down")}, &updaterStub{})

	event := surgeryEvent(map[string]interface{}{
		"impression":   longText,
		"document_ref": "doc-1",
	})
	if _, err := manager.ResolveField(context.Background(), event, "surgical_outcome"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	manager.Reopen(event.ID, "surgical_outcome")
	resolution, err := manager.ResolveField(context.Background(), event, "surgical_outcome")
	if err != nil {
		t.Fatalf("re-resolve failed: %v", err)
	}
	if resolution.Status != models.GapResolved {
		t.Fatalf("reopened field should resolve on the fresh attempt, got %s (%s)", resolution.Status, resolution.Reason)
	}
}

func TestParseResultEnforcesSchema(t *testing.T) {
	if _, err := ParseResult(`{"confidence": 0.9}`, Schema{RequiredFields: []string{"surgical_outcome"}}); err == nil {
		t.Fatal("missing required field should fail")
	}

	parsed, err := ParseResult(`{"surgical_outcome": "complete", "confidence": 0.9}`, Schema{RequiredFields: []string{"surgical_outcome"}})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Confidence != 0.9 || parsed.Fields["surgical_outcome"] != "complete" {
		t.Fatalf("unexpected result: %+v", parsed)
	}

	if _, err := ParseResult("not json", Schema{}); err == nil {
		t.Fatal("non-JSON content should fail")
	}
}
