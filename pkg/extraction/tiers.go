package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chronica-ai/timeline/pkg/common/httpclient"
	"github.com/chronica-ai/timeline/pkg/common/logger"
	"github.com/chronica-ai/timeline/pkg/common/models"
	"github.com/chronica-ai/timeline/pkg/policy"
)

// Raw-field keys tier 1 reads short text from, in preference order.
var tier1TextFields = []string{"conclusion", "impression", "narrative", "report_text", "summary"}

// EventUpdater persists the tier/confidence transition the manager owns.
type EventUpdater interface {
	UpdateExtraction(ctx context.Context, eventID string, tier int, confidence *float64) error
}

// FieldKey identifies one (event, field) extraction.
type FieldKey struct {
	EventID   string
	FieldName string
}

// FieldState is the per-(event, field) state machine:
// PENDING -> TIER1_ATTEMPTED -> {RESOLVED | NEEDS_TIER2}
//         -> TIER2_ATTEMPTED -> {RESOLVED | REQUIRES_MANUAL_REVIEW}.
type FieldState struct {
	Status     models.GapStatus
	Value      interface{}
	Confidence *float64
	TierUsed   int
	Reason     string
}

// Resolution is what ResolveField hands back to the caller.
type Resolution struct {
	Value      interface{}
	Confidence *float64
	TierUsed   int
	Status     models.GapStatus
	Reason     string
}

// TierManager decides, per field, whether cheap already-available text is
// good enough or the underlying document must be re-extracted. Tier 2 is
// materially more expensive; the gates exist to bound cost without accepting
// low-trust values.
type TierManager struct {
	policy    policy.Policy
	oracle    Oracle
	extractor TextExtractor
	updater   EventUpdater

	retryAttempts  int
	retryBaseDelay time.Duration

	states map[FieldKey]*FieldState
}

type TierManagerOptions struct {
	Policy         policy.Policy
	Oracle         Oracle
	Extractor      TextExtractor
	Updater        EventUpdater
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

func NewTierManager(opts TierManagerOptions) *TierManager {
	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &TierManager{
		policy:         opts.Policy,
		oracle:         opts.Oracle,
		extractor:      opts.Extractor,
		updater:        opts.Updater,
		retryAttempts:  attempts,
		retryBaseDelay: opts.RetryBaseDelay,
		states:         make(map[FieldKey]*FieldState),
	}
}

// State exposes the current state for a (event, field) pair.
func (m *TierManager) State(eventID, fieldName string) (FieldState, bool) {
	state, ok := m.states[FieldKey{EventID: eventID, FieldName: fieldName}]
	if !ok {
		return FieldState{}, false
	}
	return *state, true
}

// ResolveField runs the state machine for one field of one event. A field
// already in REQUIRES_MANUAL_REVIEW is never silently re-resolved; only a
// review decision may reopen it.
func (m *TierManager) ResolveField(ctx context.Context, event *models.Event, fieldName string) (*Resolution, error) {
	key := FieldKey{EventID: event.ID, FieldName: fieldName}
	state, ok := m.states[key]
	if ok && state.Status.Terminal() {
		return resolutionFrom(state), nil
	}
	if !ok {
		state = &FieldState{Status: models.GapPending}
		m.states[key] = state
	}

	rule := m.policy.Field(fieldName)

	if state.Status == models.GapPending || state.Status == models.GapTier1Attempted {
		m.attemptTier1(ctx, event, fieldName, rule, state)
	}

	if state.Status == models.GapNeedsTier2 || state.Status == models.GapTier2Attempted {
		m.attemptTier2(ctx, event, fieldName, rule, state)
	}

	if state.Status == models.GapResolved {
		if err := m.updater.UpdateExtraction(ctx, event.ID, state.TierUsed, state.Confidence); err != nil {
			return nil, fmt.Errorf("persisting extraction result: %w", err)
		}
	}

	return resolutionFrom(state), nil
}

// Reopen moves a manually-reviewed field back to PENDING. Only the review
// session calls this, and only after writing a ReviewDecision.
func (m *TierManager) Reopen(eventID, fieldName string) {
	key := FieldKey{EventID: eventID, FieldName: fieldName}
	m.states[key] = &FieldState{Status: models.GapPending}
}

func (m *TierManager) attemptTier1(ctx context.Context, event *models.Event, fieldName string, rule policy.FieldRule, state *FieldState) {
	text := tier1Text(event)
	state.Status = models.GapTier1Attempted

	if len(text) < rule.MinTextLength {
		state.Status = models.GapNeedsTier2
		state.Reason = fmt.Sprintf("available text (%d chars) below minimum %d", len(text), rule.MinTextLength)
		return
	}

	result, err := m.extract(ctx, fieldName, text)
	if err != nil {
		state.Status = models.GapManualReview
		state.Reason = fmt.Sprintf("tier 1 extraction failed: %v", err)
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"event_id": event.ID,
			"field":    fieldName,
		}).Warn("tier 1 extraction failed")
		return
	}

	if result.Confidence < rule.MinConfidence {
		state.Status = models.GapNeedsTier2
		state.Value = result.Fields[fieldName]
		state.Reason = fmt.Sprintf("tier 1 confidence %.2f below minimum %.2f", result.Confidence, rule.MinConfidence)
		return
	}

	confidence := result.Confidence
	state.Status = models.GapResolved
	state.Value = result.Fields[fieldName]
	state.Confidence = &confidence
	state.TierUsed = models.TierStructured
	state.Reason = "resolved from structured text"
}

func (m *TierManager) attemptTier2(ctx context.Context, event *models.Event, fieldName string, rule policy.FieldRule, state *FieldState) {
	documentRef := documentRefOf(event)
	if documentRef == "" {
		state.Status = models.GapManualReview
		state.Reason = "no document linked for tier 2 extraction"
		return
	}

	state.Status = models.GapTier2Attempted

	var text string
	err := httpclient.Retry(ctx, m.retryAttempts, m.retryBaseDelay, func() error {
		var extractErr error
		text, extractErr = m.extractor.ExtractText(ctx, documentRef)
		return extractErr
	})
	if err != nil {
		state.Status = models.GapManualReview
		state.Reason = fmt.Sprintf("document extraction failed: %v", err)
		return
	}
	if strings.TrimSpace(text) == "" {
		// Image-only or empty extraction: no usable text, never a stale value.
		state.Status = models.GapManualReview
		state.Reason = "document produced no text"
		return
	}

	result, err := m.extract(ctx, fieldName, text)
	if err != nil {
		state.Status = models.GapManualReview
		state.Reason = fmt.Sprintf("tier 2 extraction failed: %v", err)
		return
	}

	if result.Confidence < rule.MinConfidence {
		state.Status = models.GapManualReview
		state.Value = result.Fields[fieldName]
		state.Reason = fmt.Sprintf("tier 2 confidence %.2f still below minimum %.2f", result.Confidence, rule.MinConfidence)
		return
	}

	confidence := result.Confidence
	state.Status = models.GapResolved
	state.Value = result.Fields[fieldName]
	state.Confidence = &confidence
	state.TierUsed = models.TierDocument
	state.Reason = "resolved from full document text"
}

func (m *TierManager) extract(ctx context.Context, fieldName, text string) (*Result, error) {
	prompt := fmt.Sprintf(
		"Extract the value of %q from the following clinical text. Return a JSON object with keys %q and \"confidence\" (0.0-1.0).\n\n%s",
		fieldName, fieldName, text,
	)
	schema := Schema{RequiredFields: []string{fieldName}}

	var result *Result
	err := httpclient.Retry(ctx, m.retryAttempts, m.retryBaseDelay, func() error {
		var extractErr error
		result, extractErr = m.oracle.Extract(ctx, prompt, schema)
		return extractErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func tier1Text(event *models.Event) string {
	for _, key := range tier1TextFields {
		if v, ok := event.RawFields[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func documentRefOf(event *models.Event) string {
	if v, ok := event.RawFields["document_ref"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func resolutionFrom(state *FieldState) *Resolution {
	return &Resolution{
		Value:      state.Value,
		Confidence: state.Confidence,
		TierUsed:   state.TierUsed,
		Status:     state.Status,
		Reason:     state.Reason,
	}
}
