package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chronica-ai/timeline/pkg/adjudication"
	"github.com/chronica-ai/timeline/pkg/common/logger"
	"github.com/chronica-ai/timeline/pkg/common/models"
	"github.com/chronica-ai/timeline/pkg/extraction"
	"github.com/google/uuid"
)

var ErrGapNotPending = errors.New("gap is not pending review")

// DecisionStore commits review decisions; each call is one independent
// commit.
type DecisionStore interface {
	Save(ctx context.Context, decision *models.ReviewDecision) error
}

// GapStore mutates gap status as decisions are applied.
type GapStore interface {
	Get(ctx context.Context, id string) (*models.ExtractionGap, error)
	UpdateStatus(ctx context.Context, id string, status models.GapStatus, reason string) error
	PendingReview(ctx context.Context, patientID string) ([]models.ExtractionGap, error)
}

// Reopener lets an override or request-more-sources send a field back
// through extraction.
type Reopener interface {
	Reopen(eventID, fieldName string)
}

// Session is the engine behind any review front end (console, web form,
// API). It holds no UI state: the pending queue is re-read from storage, so
// an interrupted session resumes exactly where the last committed decision
// left it.
type Session struct {
	reviewer    string
	decisions   DecisionStore
	gaps        GapStore
	tiers       Reopener
	oracle      extraction.Oracle
	adjudicator *adjudication.Adjudicator
}

func NewSession(reviewer string, decisions DecisionStore, gaps GapStore, tiers Reopener, oracle extraction.Oracle, adjudicator *adjudication.Adjudicator) *Session {
	return &Session{
		reviewer:    reviewer,
		decisions:   decisions,
		gaps:        gaps,
		tiers:       tiers,
		oracle:      oracle,
		adjudicator: adjudicator,
	}
}

// Pending returns the current review queue for a patient (or all patients
// when patientID is empty).
func (s *Session) Pending(ctx context.Context, patientID string) ([]models.ExtractionGap, error) {
	return s.gaps.PendingReview(ctx, patientID)
}

// Apply is the pure decision-application function: given a gap and a
// decision, it returns the gap's next state without touching storage.
func Apply(gap models.ExtractionGap, decision models.ReviewDecision) (models.ExtractionGap, error) {
	if gap.Status != models.GapManualReview {
		return gap, ErrGapNotPending
	}
	switch decision.Action {
	case models.ActionApprove:
		gap.Status = models.GapResolved
		gap.Reason = fmt.Sprintf("approved as-is by %s", decision.Reviewer)
	case models.ActionOverride:
		gap.Status = models.GapResolved
		gap.Reason = fmt.Sprintf("manually overridden by %s", decision.Reviewer)
	case models.ActionSkip:
		// Unchanged: the gap stays in the queue for a later pass.
	case models.ActionRequestMoreSources:
		gap.Status = models.GapPending
		gap.Reason = fmt.Sprintf("reopened with additional sources by %s", decision.Reviewer)
	default:
		return gap, fmt.Errorf("unknown review action %q", decision.Action)
	}
	gap.UpdatedAt = decision.Timestamp
	return gap, nil
}

// Approve accepts the current value as-is.
func (s *Session) Approve(ctx context.Context, gapID string) (*models.ReviewDecision, error) {
	return s.decide(ctx, gapID, models.ActionApprove, nil, "")
}

// Override replaces the value with one the reviewer supplies.
func (s *Session) Override(ctx context.Context, gapID string, newValue interface{}) (*models.ReviewDecision, error) {
	return s.decide(ctx, gapID, models.ActionOverride, newValue, "")
}

// Skip leaves the item in the queue and records that it was looked at.
func (s *Session) Skip(ctx context.Context, gapID string) (*models.ReviewDecision, error) {
	return s.decide(ctx, gapID, models.ActionSkip, nil, "")
}

// RequestMoreSources re-adjudicates the field with newly supplied candidates
// and reopens extraction for the gap's event/field.
func (s *Session) RequestMoreSources(ctx context.Context, gapID string, candidates []models.Candidate) (*models.AdjudicationRecord, *models.ReviewDecision, error) {
	gap, err := s.gaps.Get(ctx, gapID)
	if err != nil {
		return nil, nil, err
	}

	record := s.adjudicator.Adjudicate(gap.FieldName, candidates)
	record.PatientID = gap.PatientID
	record.EventID = gap.EventID

	decision, err := s.decide(ctx, gapID, models.ActionRequestMoreSources, record.FinalValue, record.ID)
	if err != nil {
		return nil, nil, err
	}

	if s.tiers != nil {
		s.tiers.Reopen(gap.EventID, gap.FieldName)
	}
	return &record, decision, nil
}

// Explain asks the oracle to justify its own prior output for this gap.
// Investigative only: no decision is recorded.
func (s *Session) Explain(ctx context.Context, gap *models.ExtractionGap, evidence string) (string, error) {
	prompt := fmt.Sprintf(
		"You previously extracted the field %q and the result was flagged: %s.\nExplain, citing the evidence below, how you arrived at your answer.\n\n%s",
		gap.FieldName, gap.Reason, evidence,
	)
	result, err := s.oracle.Extract(ctx, prompt, extraction.Schema{RequiredFields: []string{"explanation"}})
	if err != nil {
		return "", err
	}
	explanation, _ := result.Fields["explanation"].(string)
	return explanation, nil
}

// Ask poses an arbitrary free-form question against the same evidence.
// Investigative only: no decision is recorded.
func (s *Session) Ask(ctx context.Context, question, evidence string) (string, error) {
	prompt := fmt.Sprintf("%s\n\nAnswer using only the evidence below.\n\n%s", question, evidence)
	result, err := s.oracle.Extract(ctx, prompt, extraction.Schema{RequiredFields: []string{"answer"}})
	if err != nil {
		return "", err
	}
	answer, _ := result.Fields["answer"].(string)
	return answer, nil
}

// decide applies one action and commits exactly one ReviewDecision. The
// decision row is written first; if the gap update then fails, the audit
// trail still shows what the reviewer chose. Any adjudication the action
// triggered must be linked before the commit.
func (s *Session) decide(ctx context.Context, gapID string, action models.ReviewAction, newValue interface{}, adjudicationID string) (*models.ReviewDecision, error) {
	gap, err := s.gaps.Get(ctx, gapID)
	if err != nil {
		return nil, err
	}

	decision := models.ReviewDecision{
		ID:             uuid.New().String(),
		PatientID:      gap.PatientID,
		GapID:          gap.ID,
		Action:         action,
		NewValue:       newValue,
		AdjudicationID: adjudicationID,
		Reviewer:       s.reviewer,
		Timestamp:      time.Now().UTC(),
	}

	updated, err := Apply(*gap, decision)
	if err != nil {
		return nil, err
	}

	if err := s.decisions.Save(ctx, &decision); err != nil {
		return nil, fmt.Errorf("committing review decision: %w", err)
	}

	if updated.Status != gap.Status || updated.Reason != gap.Reason {
		if err := s.gaps.UpdateStatus(ctx, gap.ID, updated.Status, updated.Reason); err != nil {
			logger.Log.WithError(err).WithField("gap_id", gap.ID).Error("decision recorded but gap update failed")
			return &decision, err
		}
	}

	return &decision, nil
}
