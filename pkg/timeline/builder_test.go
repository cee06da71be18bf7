package timeline

import (
	"os"
	"testing"
	"time"

	"github.com/chronica-ai/timeline/pkg/common/logger"
	"github.com/chronica-ai/timeline/pkg/common/models"
)

func TestMain(m *testing.M) {
	logger.Init("test")
	os.Exit(m.Run())
}

func datePtr(offset int) *time.Time {
	d := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
	return &d
}

func event(id string, eventType models.EventType, date *time.Time, fields map[string]interface{}) models.Event {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return models.Event{
		ID:        id,
		PatientID: "p1",
		Type:      eventType,
		Date:      date,
		Source:    "procedures",
		RawFields: fields,
	}
}

func TestBuildOrdersByDateTypeID(t *testing.T) {
	builder := NewBuilder(1.0)
	lists := [][]models.Event{
		{event("b", models.EventVisit, datePtr(2), nil)},
		{event("a", models.EventSurgery, datePtr(2), nil)},
		{event("c", models.EventVisit, datePtr(0), nil)},
	}

	build := builder.Build("p1", lists, nil)
	if len(build.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(build.Events))
	}
	got := []string{build.Events[0].ID, build.Events[1].ID, build.Events[2].ID}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected order %v, want %v", got, want)
		}
	}
}

func TestBuildSeparatesUndatedEvents(t *testing.T) {
	builder := NewBuilder(1.0)
	lists := [][]models.Event{{
		event("dated", models.EventVisit, datePtr(0), nil),
		event("undated", models.EventVisit, nil, nil),
	}}

	build := builder.Build("p1", lists, nil)
	if len(build.Events) != 1 || build.Events[0].ID != "dated" {
		t.Fatalf("unexpected ordered events: %+v", build.Events)
	}
	if len(build.Undated) != 1 || build.Undated[0].ID != "undated" {
		t.Fatalf("undated event not retained: %+v", build.Undated)
	}
}

func TestBuildSkipsForeignPatientEvents(t *testing.T) {
	builder := NewBuilder(1.0)
	foreign := event("x", models.EventVisit, datePtr(0), nil)
	foreign.PatientID = "p2"

	build := builder.Build("p1", [][]models.Event{{foreign}}, nil)
	if len(build.Events) != 0 {
		t.Fatalf("foreign event should be skipped, got %+v", build.Events)
	}
	if len(build.Warnings) != 1 {
		t.Fatalf("expected a warning, got %v", build.Warnings)
	}
}

func TestBuildMergesDuplicatesKeepingHigherConfidence(t *testing.T) {
	builder := NewBuilder(0.6)
	low, high := 0.5, 0.9

	a := event("a", models.EventImaging, datePtr(0), map[string]interface{}{
		"modality": "MRI",
		"region":   "brain",
	})
	a.Confidence = &low
	b := event("b", models.EventImaging, datePtr(0), map[string]interface{}{
		"modality": "MRI",
		"region":   "brain",
		"protocol": "contrast",
	})
	b.Confidence = &high
	b.Source = "documents"

	build := builder.Build("p1", [][]models.Event{{a}, {b}}, nil)
	if len(build.Events) != 1 {
		t.Fatalf("expected duplicates merged into 1 event, got %d", len(build.Events))
	}
	kept := build.Events[0]
	if kept.ID != "b" {
		t.Fatalf("expected higher-confidence event kept, got %s", kept.ID)
	}
	trail, ok := kept.RawFields["merged_from"].([]interface{})
	if !ok || len(trail) != 1 {
		t.Fatalf("expected one merged_from entry, got %v", kept.RawFields["merged_from"])
	}
	entry := trail[0].(map[string]interface{})
	if entry["event_id"] != "a" {
		t.Fatalf("merge trail points at %v, want a", entry["event_id"])
	}
}

func TestBuildMergeCarriesMissingFields(t *testing.T) {
	builder := NewBuilder(0.5)
	high := 0.9

	a := event("a", models.EventImaging, datePtr(0), map[string]interface{}{
		"modality": "MRI",
		"region":   "brain",
		"slice_mm": 1.5,
	})
	b := event("b", models.EventImaging, datePtr(0), map[string]interface{}{
		"modality": "MRI",
		"region":   "brain",
	})
	b.Confidence = &high

	build := builder.Build("p1", [][]models.Event{{a, b}}, nil)
	if len(build.Events) != 1 {
		t.Fatalf("expected 1 merged event, got %d", len(build.Events))
	}
	if build.Events[0].RawFields["slice_mm"] != 1.5 {
		t.Fatalf("field from merged event was dropped: %v", build.Events[0].RawFields)
	}
}

func TestBuildDissimilarSameDayEventsNotMerged(t *testing.T) {
	builder := NewBuilder(0.6)

	a := event("a", models.EventImaging, datePtr(0), map[string]interface{}{"modality": "MRI", "region": "brain"})
	b := event("b", models.EventImaging, datePtr(0), map[string]interface{}{"modality": "CT", "region": "chest"})

	build := builder.Build("p1", [][]models.Event{{a, b}}, nil)
	if len(build.Events) != 2 {
		t.Fatalf("dissimilar events should not merge, got %d", len(build.Events))
	}
}

func TestNormalizerDropsMalformedRows(t *testing.T) {
	n := NewNormalizer(ProcedureAdapter{})
	records := []models.SourceRecord{
		{Source: "procedures", PatientID: "p1", Fields: map[string]interface{}{"procedure_date": "2024-03-01", "procedure_category": "imaging"}},
		{Source: "procedures", PatientID: "p1", Fields: map[string]interface{}{"procedure_category": "imaging"}},
		{Source: "procedures", PatientID: "p1", Fields: map[string]interface{}{"procedure_date": "not-a-date"}},
	}

	events, dropped, err := n.Normalize("procedures", records)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if len(events) != 1 || dropped != 2 {
		t.Fatalf("expected 1 event and 2 dropped, got %d and %d", len(events), dropped)
	}
	if events[0].Type != models.EventImaging {
		t.Fatalf("unexpected event type %s", events[0].Type)
	}
}

func TestNormalizerUnknownSource(t *testing.T) {
	n := NewNormalizer(ProcedureAdapter{})
	if _, _, err := n.Normalize("billing", nil); err == nil {
		t.Fatal("expected error for unregistered source")
	}
}

func TestSchedulingAdapterAllowsUndated(t *testing.T) {
	adapter := SchedulingAdapter{}
	event, err := adapter.Normalize(models.SourceRecord{
		Source:    "scheduling",
		PatientID: "p1",
		Fields:    map[string]interface{}{"appointment_status": "unscheduled"},
	})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if event.Date != nil {
		t.Fatalf("expected undated visit, got %v", event.Date)
	}
	if event.Type != models.EventVisit {
		t.Fatalf("unexpected event type %s", event.Type)
	}
}

func TestTreatmentPlanAdapterMapsModalityAndPhase(t *testing.T) {
	adapter := TreatmentPlanAdapter{}
	cases := []struct {
		modality string
		phase    string
		want     models.EventType
	}{
		{"chemotherapy", "start", models.EventChemoStart},
		{"chemotherapy", "end", models.EventChemoEnd},
		{"radiation", "start", models.EventRadiationStart},
		{"radiation", "end", models.EventRadiationEnd},
	}
	for _, tc := range cases {
		event, err := adapter.Normalize(models.SourceRecord{
			Source:    "treatment_plans",
			PatientID: "p1",
			Fields:    map[string]interface{}{"plan_date": "2024-03-01", "modality": tc.modality, "phase": tc.phase},
		})
		if err != nil {
			t.Fatalf("normalize %s/%s failed: %v", tc.modality, tc.phase, err)
		}
		if event.Type != tc.want {
			t.Fatalf("%s/%s mapped to %s, want %s", tc.modality, tc.phase, event.Type, tc.want)
		}
	}

	if _, err := adapter.Normalize(models.SourceRecord{
		Source:    "treatment_plans",
		PatientID: "p1",
		Fields:    map[string]interface{}{"plan_date": "2024-03-01", "modality": "acupuncture"},
	}); err == nil {
		t.Fatal("expected error for unknown modality")
	}
}
