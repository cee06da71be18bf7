package timeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chronica-ai/timeline/pkg/common/logger"
	"github.com/chronica-ai/timeline/pkg/common/models"
	"github.com/google/uuid"
)

// ErrMalformedRecord marks a source row that cannot be normalized. Malformed
// rows are dropped with a logged reason, never coerced.
var ErrMalformedRecord = errors.New("malformed source record")

// Adapter converts one provider's rows into canonical events. Adding a new
// source to the pipeline means adding one adapter, nothing else.
type Adapter interface {
	Source() string
	Normalize(record models.SourceRecord) (*models.Event, error)
}

// Normalizer fans source records out to the adapter registered for their
// source tag.
type Normalizer struct {
	adapters map[string]Adapter
}

func NewNormalizer(adapters ...Adapter) *Normalizer {
	registry := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		registry[strings.ToLower(a.Source())] = a
	}
	return &Normalizer{adapters: registry}
}

func (n *Normalizer) Register(adapter Adapter) {
	n.adapters[strings.ToLower(adapter.Source())] = adapter
}

// Normalize converts a batch of rows from one source. Malformed rows are
// dropped and counted; an unknown source is an error so the caller can record
// a skipped-source warning and continue with the remaining sources.
func (n *Normalizer) Normalize(source string, records []models.SourceRecord) ([]models.Event, int, error) {
	adapter, ok := n.adapters[strings.ToLower(source)]
	if !ok {
		return nil, 0, fmt.Errorf("no adapter registered for source %s", source)
	}

	events := make([]models.Event, 0, len(records))
	dropped := 0
	for _, record := range records {
		event, err := adapter.Normalize(record)
		if err != nil {
			dropped++
			logger.Log.WithError(err).WithFields(map[string]interface{}{
				"source":     source,
				"patient_id": record.PatientID,
			}).Warn("dropping malformed source record")
			continue
		}
		events = append(events, *event)
	}
	return events, dropped, nil
}

// newEvent fills the fields every adapter produces the same way.
func newEvent(record models.SourceRecord, eventType models.EventType, date *time.Time) *models.Event {
	fields := make(map[string]interface{}, len(record.Fields))
	for k, v := range record.Fields {
		fields[k] = v
	}
	return &models.Event{
		ID:             uuid.New().String(),
		PatientID:      record.PatientID,
		Type:           eventType,
		Date:           date,
		Source:         record.Source,
		RawFields:      fields,
		ExtractionTier: models.TierStructured,
	}
}

func parseDate(v interface{}) (*time.Time, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		utc := val.UTC()
		return &utc, nil
	case *time.Time:
		if val == nil {
			return nil, nil
		}
		utc := val.UTC()
		return &utc, nil
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return nil, nil
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, trimmed); err == nil {
				utc := parsed.UTC()
				return &utc, nil
			}
		}
		return nil, fmt.Errorf("%w: unparseable date %q", ErrMalformedRecord, trimmed)
	default:
		return nil, fmt.Errorf("%w: date field has type %T", ErrMalformedRecord, v)
	}
}

func fieldString(fields map[string]interface{}, key string) string {
	if v, ok := fields[key]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// ProcedureAdapter maps structured procedure/lab rows. The date field is
// required; a procedure without a date is malformed rather than undated,
// since the warehouse guarantees one.
type ProcedureAdapter struct{}

func (ProcedureAdapter) Source() string { return "procedures" }

func (ProcedureAdapter) Normalize(record models.SourceRecord) (*models.Event, error) {
	if record.PatientID == "" {
		return nil, fmt.Errorf("%w: missing patient_id", ErrMalformedRecord)
	}
	date, err := parseDate(record.Fields["procedure_date"])
	if err != nil {
		return nil, err
	}
	if date == nil {
		return nil, fmt.Errorf("%w: procedure_date missing", ErrMalformedRecord)
	}

	eventType := models.EventSurgery
	switch strings.ToLower(fieldString(record.Fields, "procedure_category")) {
	case "imaging":
		eventType = models.EventImaging
	case "diagnosis", "biopsy":
		eventType = models.EventDiagnosis
	}
	return newEvent(record, eventType, date), nil
}

// SchedulingAdapter maps appointment rows to visit events. Appointments may
// legitimately lack a date (unscheduled follow-ups); those become undated
// events, retained but excluded from ordering.
type SchedulingAdapter struct{}

func (SchedulingAdapter) Source() string { return "scheduling" }

func (SchedulingAdapter) Normalize(record models.SourceRecord) (*models.Event, error) {
	if record.PatientID == "" {
		return nil, fmt.Errorf("%w: missing patient_id", ErrMalformedRecord)
	}
	date, err := parseDate(record.Fields["appointment_date"])
	if err != nil {
		return nil, err
	}
	return newEvent(record, models.EventVisit, date), nil
}

// TreatmentPlanAdapter maps treatment-plan rows to the start/end event for
// the plan's modality.
type TreatmentPlanAdapter struct{}

func (TreatmentPlanAdapter) Source() string { return "treatment_plans" }

func (TreatmentPlanAdapter) Normalize(record models.SourceRecord) (*models.Event, error) {
	if record.PatientID == "" {
		return nil, fmt.Errorf("%w: missing patient_id", ErrMalformedRecord)
	}
	date, err := parseDate(record.Fields["plan_date"])
	if err != nil {
		return nil, err
	}

	modality := strings.ToLower(fieldString(record.Fields, "modality"))
	phase := strings.ToLower(fieldString(record.Fields, "phase"))
	var eventType models.EventType
	switch {
	case modality == "chemotherapy" && phase == "end":
		eventType = models.EventChemoEnd
	case modality == "chemotherapy":
		eventType = models.EventChemoStart
	case modality == "radiation" && phase == "end":
		eventType = models.EventRadiationEnd
	case modality == "radiation":
		eventType = models.EventRadiationStart
	default:
		return nil, fmt.Errorf("%w: unknown treatment modality %q", ErrMalformedRecord, modality)
	}
	return newEvent(record, eventType, date), nil
}

// DocumentAdapter maps free-text and scanned document rows. The document
// reference is kept in raw_fields so tier 2 extraction can fetch the binary.
type DocumentAdapter struct{}

func (DocumentAdapter) Source() string { return "documents" }

func (DocumentAdapter) Normalize(record models.SourceRecord) (*models.Event, error) {
	if record.PatientID == "" {
		return nil, fmt.Errorf("%w: missing patient_id", ErrMalformedRecord)
	}
	if fieldString(record.Fields, "document_ref") == "" {
		return nil, fmt.Errorf("%w: document_ref missing", ErrMalformedRecord)
	}
	date, err := parseDate(record.Fields["document_date"])
	if err != nil {
		return nil, err
	}
	return newEvent(record, models.EventDocument, date), nil
}
