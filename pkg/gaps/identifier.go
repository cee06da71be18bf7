package gaps

import (
	"fmt"
	"sort"
	"time"

	"github.com/chronica-ai/timeline/pkg/common/models"
	"github.com/chronica-ai/timeline/pkg/extraction"
	"github.com/chronica-ai/timeline/pkg/policy"
	"github.com/google/uuid"
)

// TierStates exposes the tier manager's per-field state so the scan can tell
// an unescalated low-confidence value from one already routed to tier 2.
type TierStates interface {
	State(eventID, fieldName string) (extraction.FieldState, bool)
}

// RuleFunc is one gap trigger. The rule set is extensible: the identifier
// runs whatever rules it was constructed with.
type RuleFunc func(event *models.Event, rule policy.FieldRule, fieldName string, states TierStates) *models.ExtractionGap

// Identifier scans a built timeline for missing or low-trust fields and
// emits a ranked work queue.
type Identifier struct {
	policy policy.Policy
	rules  []RuleFunc
}

func NewIdentifier(p policy.Policy) *Identifier {
	return &Identifier{
		policy: p,
		rules: []RuleFunc{
			requiredFieldMissing,
			lowConfidenceUnescalated,
			documentNeverAttempted,
		},
	}
}

// AddRule appends a custom trigger to the scan.
func (id *Identifier) AddRule(rule RuleFunc) {
	id.rules = append(id.rules, rule)
}

// Scan walks the ordered timeline and applies every rule to every
// (event, configured field) pair. The result is ordered by priority
// descending, then by clinical-event chronology.
func (id *Identifier) Scan(build models.TimelineBuild, states TierStates) []models.ExtractionGap {
	var found []models.ExtractionGap
	eventDates := make(map[string]time.Time)

	for i := range build.Events {
		event := &build.Events[i]
		if event.Date != nil {
			eventDates[event.ID] = *event.Date
		}
		for fieldName, rule := range id.policy.Fields {
			if !appliesTo(rule, event.Type) {
				continue
			}
			for _, trigger := range id.rules {
				gap := trigger(event, rule, fieldName, states)
				if gap == nil {
					continue
				}
				gap.ID = uuid.New().String()
				gap.PatientID = build.PatientID
				gap.Status = models.GapPending
				gap.CreatedAt = time.Now().UTC()
				gap.UpdatedAt = gap.CreatedAt
				found = append(found, *gap)
				break // first matching trigger wins per (event, field)
			}
		}
	}

	Order(found, eventDates)
	return found
}

// Order sorts gaps by priority descending, then by the chronology of the
// event they point at, then by field name for a stable queue.
func Order(queue []models.ExtractionGap, eventDates map[string]time.Time) {
	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].Priority.Rank() != queue[j].Priority.Rank() {
			return queue[i].Priority.Rank() > queue[j].Priority.Rank()
		}
		di, iOK := eventDates[queue[i].EventID]
		dj, jOK := eventDates[queue[j].EventID]
		if iOK && jOK && !di.Equal(dj) {
			return di.Before(dj)
		}
		if queue[i].EventID != queue[j].EventID {
			return queue[i].EventID < queue[j].EventID
		}
		return queue[i].FieldName < queue[j].FieldName
	})
}

func appliesTo(rule policy.FieldRule, eventType models.EventType) bool {
	if len(rule.EventTypes) == 0 {
		return false
	}
	for _, t := range rule.EventTypes {
		if models.EventType(t) == eventType {
			return true
		}
	}
	return false
}

// requiredFieldMissing fires when a domain-required field is absent from the
// event. Fields that gate downstream classification rank HIGHEST.
func requiredFieldMissing(event *models.Event, rule policy.FieldRule, fieldName string, states TierStates) *models.ExtractionGap {
	if !rule.Required {
		return nil
	}
	if v, ok := event.RawFields[fieldName]; ok && v != nil {
		return nil
	}
	if state, ok := states.State(event.ID, fieldName); ok && state.Status == models.GapResolved {
		return nil
	}

	priority := models.PriorityHigh
	if rule.GatesClassification {
		priority = models.PriorityHighest
	} else if documentRef(event) == "" {
		priority = models.PriorityMedium
	}
	return &models.ExtractionGap{
		EventID:   event.ID,
		FieldName: fieldName,
		Priority:  priority,
		Reason:    fmt.Sprintf("required field %s is missing", fieldName),
	}
}

// lowConfidenceUnescalated fires when a tier-1 value sits below the field's
// confidence threshold and tier 2 has not been attempted yet.
func lowConfidenceUnescalated(event *models.Event, rule policy.FieldRule, fieldName string, states TierStates) *models.ExtractionGap {
	state, ok := states.State(event.ID, fieldName)
	if !ok {
		return nil
	}
	if state.Status != models.GapNeedsTier2 {
		return nil
	}

	priority := models.PriorityMedium
	if documentRef(event) != "" {
		priority = models.PriorityHigh
	}
	return &models.ExtractionGap{
		EventID:   event.ID,
		FieldName: fieldName,
		Priority:  priority,
		Reason:    state.Reason,
	}
}

// documentNeverAttempted fires when a field is clinically tied to a document
// type but no such document was ever linked to the event.
func documentNeverAttempted(event *models.Event, rule policy.FieldRule, fieldName string, states TierStates) *models.ExtractionGap {
	if rule.DocumentType == "" {
		return nil
	}
	if documentRef(event) != "" {
		return nil
	}
	if _, ok := states.State(event.ID, fieldName); ok {
		return nil
	}
	if v, ok := event.RawFields[fieldName]; ok && v != nil {
		return nil
	}
	return &models.ExtractionGap{
		EventID:   event.ID,
		FieldName: fieldName,
		Priority:  models.PriorityMedium,
		Reason:    fmt.Sprintf("field %s expects a %s document, none linked", fieldName, rule.DocumentType),
	}
}

func documentRef(event *models.Event) string {
	if v, ok := event.RawFields["document_ref"].(string); ok {
		return v
	}
	return ""
}
