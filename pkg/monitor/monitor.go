package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/chronica-ai/timeline/pkg/common/models"
	"github.com/chronica-ai/timeline/pkg/policy"
)

// Monitor runs rule-based plausibility checks before any value is accepted
// as final. A flagged item bypasses auto-accept and is routed to review; a
// rejected item is discarded outright, never coerced.
type Monitor struct {
	policy policy.Policy
}

func New(p policy.Policy) *Monitor {
	return &Monitor{policy: p}
}

// CheckEvent vets a newly accepted event against the existing timeline.
// Currently one rule applies at event granularity: a second event of the
// same type on the same date is flagged, not auto-merged. Only the later
// event of the pair is flagged, so scanning the whole timeline raises one
// issue per duplicate pair.
func (m *Monitor) CheckEvent(event *models.Event, timeline []models.Event) models.CheckResult {
	var result models.CheckResult
	if event.Date == nil {
		return result
	}

	for i := range timeline {
		other := &timeline[i]
		if other.ID == event.ID || other.Type != event.Type || other.Date == nil {
			continue
		}
		if sameDay(*other.Date, *event.Date) && precedes(other, event) {
			result.Issues = append(result.Issues, models.Issue{
				Rule:     "duplicate-event",
				Severity: models.SeverityModerate,
				Message:  fmt.Sprintf("event %s duplicates %s: same type %s on %s", event.ID, other.ID, event.Type, event.Date.Format("2006-01-02")),
				EventID:  event.ID,
			})
			break
		}
	}

	result.RequiresReview = len(result.Issues) > 0
	return result
}

// CheckValue vets one extracted value for a field of an event against the
// timeline context.
func (m *Monitor) CheckValue(event *models.Event, fieldName string, value interface{}, confidence *float64, timeline []models.Event) models.CheckResult {
	var result models.CheckResult

	if issue := m.wrongCategory(event, fieldName, value); issue != nil {
		result.Issues = append(result.Issues, *issue)
		result.Rejected = true
	}

	if issue := m.implausibleReversal(event, fieldName, value, timeline); issue != nil {
		result.Issues = append(result.Issues, *issue)
	}

	if confidence != nil && *confidence < m.policy.Monitor.ConfidenceFloor {
		result.Issues = append(result.Issues, models.Issue{
			Rule:      "low-confidence",
			Severity:  models.SeverityModerate,
			Message:   fmt.Sprintf("confidence %.2f below floor %.2f", *confidence, m.policy.Monitor.ConfidenceFloor),
			EventID:   event.ID,
			FieldName: fieldName,
		})
	}

	result.RequiresReview = len(result.Issues) > 0
	return result
}

// wrongCategory detects schema cross-contamination: a value that is a legal
// member of a different field's enumeration but not of the one it was
// extracted for.
func (m *Monitor) wrongCategory(event *models.Event, fieldName string, value interface{}) *models.Issue {
	str, ok := value.(string)
	if !ok {
		return nil
	}
	normalized := strings.ToLower(strings.TrimSpace(str))

	ownRule := m.policy.Field(fieldName)
	if len(ownRule.Enum) > 0 && enumMember(ownRule.Enum, normalized) {
		return nil
	}

	for otherField, otherRule := range m.policy.Fields {
		if otherField == fieldName || len(otherRule.Enum) == 0 {
			continue
		}
		if enumMember(otherRule.Enum, normalized) {
			return &models.Issue{
				Rule:      "wrong-category",
				Severity:  models.SeverityHigh,
				Message:   fmt.Sprintf("value %q belongs to the %s enumeration, not %s; extraction rejected", str, otherField, fieldName),
				EventID:   event.ID,
				FieldName: fieldName,
			}
		}
	}
	return nil
}

// implausibleReversal detects a categorical status flipping between two
// mutually exclusive states faster than any plausible causal intervention,
// with no treatment event in between.
func (m *Monitor) implausibleReversal(event *models.Event, fieldName string, value interface{}, timeline []models.Event) *models.Issue {
	states, configured := m.policy.Monitor.MutuallyExclusive[fieldName]
	if !configured || event.Date == nil {
		return nil
	}
	newValue, ok := value.(string)
	if !ok {
		return nil
	}
	newValue = strings.ToLower(strings.TrimSpace(newValue))
	if !member(states, newValue) {
		return nil
	}

	window := time.Duration(m.policy.Monitor.ReversalWindowDays) * 24 * time.Hour
	for i := range timeline {
		other := &timeline[i]
		if other.ID == event.ID || other.Date == nil {
			continue
		}
		priorRaw, has := other.RawFields[fieldName]
		if !has {
			continue
		}
		prior, ok := priorRaw.(string)
		if !ok {
			continue
		}
		prior = strings.ToLower(strings.TrimSpace(prior))
		if prior == newValue || !member(states, prior) {
			continue
		}

		gap := event.Date.Sub(*other.Date)
		if gap < 0 {
			gap = -gap
		}
		if gap > window {
			continue
		}
		if m.interveningTreatment(*other.Date, *event.Date, timeline) {
			continue
		}
		return &models.Issue{
			Rule:      "implausible-reversal",
			Severity:  models.SeverityHigh,
			Message:   fmt.Sprintf("%s flipped %q -> %q within %d days with no intervening treatment", fieldName, prior, newValue, int(gap.Hours()/24)),
			EventID:   event.ID,
			FieldName: fieldName,
		}
	}
	return nil
}

func (m *Monitor) interveningTreatment(a, b time.Time, timeline []models.Event) bool {
	if b.Before(a) {
		a, b = b, a
	}
	for i := range timeline {
		event := &timeline[i]
		if event.Date == nil {
			continue
		}
		if !member(m.policy.TreatmentEventTypes, string(event.Type)) {
			continue
		}
		if event.Date.After(a) && event.Date.Before(b) {
			return true
		}
	}
	return false
}

// precedes orders two dated events by timestamp, then by id, so exactly one
// side of a same-day pair counts as the earlier one.
func precedes(a, b *models.Event) bool {
	if !a.Date.Equal(*b.Date) {
		return a.Date.Before(*b.Date)
	}
	return a.ID < b.ID
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func enumMember(enum []string, value string) bool {
	for _, e := range enum {
		if strings.EqualFold(e, value) {
			return true
		}
	}
	return false
}

func member(values []string, value string) bool {
	for _, v := range values {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}
