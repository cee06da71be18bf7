package models

import (
	"time"
)

// Event types recognized by the timeline core. Source adapters map whatever
// the warehouse calls a record onto one of these.
type EventType string

const (
	EventDiagnosis      EventType = "diagnosis"
	EventSurgery        EventType = "surgery"
	EventChemoStart     EventType = "chemo_start"
	EventChemoEnd       EventType = "chemo_end"
	EventRadiationStart EventType = "radiation_start"
	EventRadiationEnd   EventType = "radiation_end"
	EventImaging        EventType = "imaging"
	EventVisit          EventType = "visit"
	EventDocument       EventType = "document"
)

// Extraction tiers. Tier 1 works over already-available short/structured
// text; tier 2 re-extracts from the underlying binary document.
const (
	TierStructured = 1
	TierDocument   = 2
)

// Event is one observed clinical fact. Events are created once by the
// normalizer and never deleted; only ExtractionTier and Confidence may be
// updated later, and only by the tier manager.
type Event struct {
	ID             string                 `json:"event_id"`
	PatientID      string                 `json:"patient_id"`
	Type           EventType              `json:"event_type"`
	Date           *time.Time             `json:"event_date,omitempty"` // nil = undated, excluded from ordering and clustering
	Source         string                 `json:"source"`
	RawFields      map[string]interface{} `json:"raw_fields"`
	ExtractionTier int                    `json:"extraction_tier"`
	Confidence     *float64               `json:"confidence,omitempty"`
}

// Dated reports whether the event can participate in ordering and clustering.
func (e *Event) Dated() bool {
	return e.Date != nil
}

// CompletenessTier grades how well-evidenced an episode is. Ordinal:
// COMPLETE > GOOD > PARTIAL > MINIMAL.
type CompletenessTier string

const (
	CompletenessComplete CompletenessTier = "COMPLETE"
	CompletenessGood     CompletenessTier = "GOOD"
	CompletenessPartial  CompletenessTier = "PARTIAL"
	CompletenessMinimal  CompletenessTier = "MINIMAL"
)

func (c CompletenessTier) Rank() int {
	switch c {
	case CompletenessComplete:
		return 3
	case CompletenessGood:
		return 2
	case CompletenessPartial:
		return 1
	default:
		return 0
	}
}

// Episode is a clinically coherent span built from events of compatible type.
// Episodes are recomputed, never mutated in place.
type Episode struct {
	ID              string           `json:"episode_id"`
	PatientID       string           `json:"patient_id"`
	DetectionMethod string           `json:"detection_method"`
	StartDate       time.Time        `json:"start_date"`
	EndDate         time.Time        `json:"end_date"`
	Open            bool             `json:"open"` // end boundary not yet observed
	EventIDs        []string         `json:"constituent_event_ids"`
	Completeness    CompletenessTier `json:"completeness_tier"`
}

// GapPriority ranks extraction gaps for the work queue.
type GapPriority string

const (
	PriorityHighest GapPriority = "HIGHEST"
	PriorityHigh    GapPriority = "HIGH"
	PriorityMedium  GapPriority = "MEDIUM"
	PriorityLow     GapPriority = "LOW"
)

func (p GapPriority) Rank() int {
	switch p {
	case PriorityHighest:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// GapStatus is the extraction state machine. Terminal states are RESOLVED
// and REQUIRES_MANUAL_REVIEW.
type GapStatus string

const (
	GapPending        GapStatus = "PENDING"
	GapTier1Attempted GapStatus = "TIER1_ATTEMPTED"
	GapNeedsTier2     GapStatus = "NEEDS_TIER2"
	GapTier2Attempted GapStatus = "TIER2_ATTEMPTED"
	GapResolved       GapStatus = "RESOLVED"
	GapManualReview   GapStatus = "REQUIRES_MANUAL_REVIEW"
)

func (s GapStatus) Terminal() bool {
	return s == GapResolved || s == GapManualReview
}

// ExtractionGap is a flagged deficiency in the timeline: a field that is
// missing, too vague to trust, or contested.
type ExtractionGap struct {
	ID        string      `json:"gap_id"`
	PatientID string      `json:"patient_id"`
	EventID   string      `json:"event_id,omitempty"`
	EpisodeID string      `json:"episode_id,omitempty"`
	FieldName string      `json:"field_name"`
	Priority  GapPriority `json:"priority"`
	Status    GapStatus   `json:"status"`
	Reason    string      `json:"reason"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Candidate is one reported value for a semantic field.
type Candidate struct {
	Value      interface{} `json:"value"`
	Source     string      `json:"source"`
	Tier       int         `json:"tier"`
	Confidence *float64    `json:"confidence,omitempty"`
}

type Agreement string

const (
	AgreementFull        Agreement = "full"
	AgreementPartial     Agreement = "partial"
	AgreementConflicting Agreement = "conflicting"
)

type ConflictSeverity string

const (
	SeverityNone     ConflictSeverity = "none"
	SeverityLow      ConflictSeverity = "low"
	SeverityModerate ConflictSeverity = "moderate"
	SeverityHigh     ConflictSeverity = "high"
)

// AdjudicationRecord is the outcome of reconciling conflicting candidate
// values for one field.
type AdjudicationRecord struct {
	ID         string           `json:"adjudication_id"`
	PatientID  string           `json:"patient_id"`
	EventID    string           `json:"event_id,omitempty"`
	FieldName  string           `json:"field_name"`
	Candidates []Candidate      `json:"candidates"`
	FinalValue interface{}      `json:"final_value"`
	Agreement  Agreement        `json:"agreement"`
	Severity   ConflictSeverity `json:"conflict_severity"`
	Rationale  string           `json:"rationale"`
	CreatedAt  time.Time        `json:"created_at"`
}

// ReviewAction is what a human did with a flagged item.
type ReviewAction string

const (
	ActionApprove            ReviewAction = "approve"
	ActionOverride           ReviewAction = "override"
	ActionSkip               ReviewAction = "skip"
	ActionRequestMoreSources ReviewAction = "request-more-sources"
)

// ReviewDecision is the immutable audit record of a human action on a gap or
// adjudication. A gap accumulates multiple decisions only if re-opened.
type ReviewDecision struct {
	ID             string       `json:"decision_id"`
	PatientID      string       `json:"patient_id"`
	GapID          string       `json:"gap_id,omitempty"`
	AdjudicationID string       `json:"adjudication_ref,omitempty"`
	Action         ReviewAction `json:"action"`
	NewValue       interface{}  `json:"new_value,omitempty"`
	Reviewer       string       `json:"reviewer"`
	Timestamp      time.Time    `json:"timestamp"`
}

// Issue is one plausibility problem found by the extraction monitor.
type Issue struct {
	Rule      string           `json:"rule"`
	Severity  ConflictSeverity `json:"severity"`
	Message   string           `json:"message"`
	EventID   string           `json:"event_id,omitempty"`
	FieldName string           `json:"field_name,omitempty"`
}

// CheckResult is the monitor verdict for one candidate value or event.
type CheckResult struct {
	RequiresReview bool    `json:"requires_review"`
	Rejected       bool    `json:"rejected"`
	Issues         []Issue `json:"issues"`
}

// SourceRecord is one raw row from a tabular provider, opaque to the core
// beyond the patient identifier and the source tag.
type SourceRecord struct {
	Source    string                 `json:"source"`
	PatientID string                 `json:"patient_id"`
	Fields    map[string]interface{} `json:"fields"`
}

// TimelineBuild is the builder output: the ordered timeline, the undated
// bucket, and warnings for sources that were skipped.
type TimelineBuild struct {
	PatientID string   `json:"patient_id"`
	Events    []Event  `json:"events"`
	Undated   []Event  `json:"undated"`
	Warnings  []string `json:"warnings,omitempty"`
}

// ExportRecord is one patient-scoped record bound for the downstream sink.
type ExportRecord struct {
	Kind      string      `json:"kind"` // event, episode, gap, adjudication, decision
	PatientID string      `json:"patient_id"`
	Sequence  int         `json:"sequence"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}
