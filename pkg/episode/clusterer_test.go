package episode

import (
	"testing"
	"time"

	"github.com/chronica-ai/timeline/pkg/common/models"
)

func dayPtr(offset int) *time.Time {
	d := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
	return &d
}

func visit(id string, offset int) models.Event {
	return models.Event{
		ID:        id,
		PatientID: "p1",
		Type:      models.EventVisit,
		Date:      dayPtr(offset),
		Source:    "scheduling",
		RawFields: map[string]interface{}{},
	}
}

func TestClusterSplitsOnGapThreshold(t *testing.T) {
	clusterer := NewClusterer(nil)
	events := []models.Event{visit("e1", 0), visit("e2", 5), visit("e3", 40)}

	episodes, err := clusterer.Cluster(events, 14)
	if err != nil {
		t.Fatalf("cluster failed: %v", err)
	}
	if len(episodes) != 2 {
		t.Fatalf("expected 2 episodes, got %d", len(episodes))
	}
	if len(episodes[0].EventIDs) != 2 || episodes[0].EventIDs[0] != "e1" || episodes[0].EventIDs[1] != "e2" {
		t.Fatalf("unexpected first episode events: %v", episodes[0].EventIDs)
	}
	if len(episodes[1].EventIDs) != 1 || episodes[1].EventIDs[0] != "e3" {
		t.Fatalf("unexpected second episode events: %v", episodes[1].EventIDs)
	}
	if !episodes[0].StartDate.Equal(*dayPtr(0)) || !episodes[0].EndDate.Equal(*dayPtr(5)) {
		t.Fatalf("unexpected first episode span: %v - %v", episodes[0].StartDate, episodes[0].EndDate)
	}
}

func TestClusterIsIdempotent(t *testing.T) {
	clusterer := NewClusterer(nil)
	events := []models.Event{visit("e1", 0), visit("e2", 5), visit("e3", 40)}

	first, err := clusterer.Cluster(events, 14)
	if err != nil {
		t.Fatalf("cluster failed: %v", err)
	}
	// Shuffled input must reproduce byte-identical episode identities.
	second, err := clusterer.Cluster([]models.Event{events[2], events[0], events[1]}, 14)
	if err != nil {
		t.Fatalf("recluster failed: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("episode count changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("episode %d identity changed: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
}

func TestClusterLargerThresholdNeverSplitsMore(t *testing.T) {
	clusterer := NewClusterer(nil)
	events := []models.Event{visit("e1", 0), visit("e2", 10), visit("e3", 25), visit("e4", 60)}

	narrow, err := clusterer.Cluster(events, 7)
	if err != nil {
		t.Fatalf("cluster failed: %v", err)
	}
	wide, err := clusterer.Cluster(events, 30)
	if err != nil {
		t.Fatalf("cluster failed: %v", err)
	}
	if len(wide) > len(narrow) {
		t.Fatalf("threshold 30 produced more episodes (%d) than threshold 7 (%d)", len(wide), len(narrow))
	}
}

func TestClusterCountsCalendarDaysNotHours(t *testing.T) {
	clusterer := NewClusterer(nil)
	early := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	late := time.Date(2024, 3, 16, 6, 0, 0, 0, time.UTC)
	events := []models.Event{
		{ID: "e1", PatientID: "p1", Type: models.EventVisit, Date: &early, RawFields: map[string]interface{}{}},
		{ID: "e2", PatientID: "p1", Type: models.EventVisit, Date: &late, RawFields: map[string]interface{}{}},
	}

	// 14 days and 20 hours apart: 15 calendar days, so a 14-day threshold
	// must split.
	episodes, err := clusterer.Cluster(events, 14)
	if err != nil {
		t.Fatalf("cluster failed: %v", err)
	}
	if len(episodes) != 2 {
		t.Fatalf("expected intra-day timestamps to split on calendar days, got %d episodes", len(episodes))
	}
}

func TestClusterSameDateEventsStayTogether(t *testing.T) {
	clusterer := NewClusterer(nil)
	events := []models.Event{visit("e1", 0), visit("e2", 0)}

	episodes, err := clusterer.Cluster(events, 1)
	if err != nil {
		t.Fatalf("cluster failed: %v", err)
	}
	if len(episodes) != 1 {
		t.Fatalf("expected same-day events in one episode, got %d", len(episodes))
	}
}

func TestClusterRejectsNonPositiveThreshold(t *testing.T) {
	clusterer := NewClusterer(nil)
	if _, err := clusterer.Cluster([]models.Event{visit("e1", 0)}, 0); err == nil {
		t.Fatal("expected error for zero threshold")
	}
	if _, err := clusterer.Cluster([]models.Event{visit("e1", 0)}, -3); err == nil {
		t.Fatal("expected error for negative threshold")
	}
}

func TestClusterEmptyInput(t *testing.T) {
	clusterer := NewClusterer(nil)
	episodes, err := clusterer.Cluster(nil, 14)
	if err != nil {
		t.Fatalf("cluster failed: %v", err)
	}
	if len(episodes) != 0 {
		t.Fatalf("expected no episodes, got %d", len(episodes))
	}
}

func TestOpenEpisodeGradedMinimal(t *testing.T) {
	clusterer := NewClusterer(nil)
	start := models.Event{ID: "c1", PatientID: "p1", Type: models.EventChemoStart, Date: dayPtr(0), RawFields: map[string]interface{}{}}

	episodes, err := clusterer.Cluster([]models.Event{start}, 14)
	if err != nil {
		t.Fatalf("cluster failed: %v", err)
	}
	if !episodes[0].Open {
		t.Fatal("expected episode with unmatched chemo_start to be open")
	}
	if episodes[0].Completeness != models.CompletenessMinimal {
		t.Fatalf("expected MINIMAL, got %s", episodes[0].Completeness)
	}
}

func TestCompletenessGrading(t *testing.T) {
	clusterer := NewClusterer([]string{"treatment_response"})

	plain := []models.Event{visit("e1", 0)}
	episodes, err := clusterer.Cluster(plain, 14)
	if err != nil {
		t.Fatalf("cluster failed: %v", err)
	}
	if episodes[0].Completeness != models.CompletenessPartial {
		t.Fatalf("expected PARTIAL, got %s", episodes[0].Completeness)
	}

	doc := models.Event{ID: "d1", PatientID: "p1", Type: models.EventDocument, Date: dayPtr(1), RawFields: map[string]interface{}{}}
	episodes, err = clusterer.Cluster([]models.Event{visit("e1", 0), doc}, 14)
	if err != nil {
		t.Fatalf("cluster failed: %v", err)
	}
	if episodes[0].Completeness != models.CompletenessGood {
		t.Fatalf("expected GOOD, got %s", episodes[0].Completeness)
	}

	withOutcome := visit("e1", 0)
	withOutcome.RawFields["treatment_response"] = "partial_response"
	episodes, err = clusterer.Cluster([]models.Event{withOutcome, doc}, 14)
	if err != nil {
		t.Fatalf("cluster failed: %v", err)
	}
	if episodes[0].Completeness != models.CompletenessComplete {
		t.Fatalf("expected COMPLETE, got %s", episodes[0].Completeness)
	}
}

func TestClusterByCourseGroupsOnIdentifier(t *testing.T) {
	clusterer := NewClusterer(nil)
	a1 := visit("e1", 0)
	a1.RawFields["course_id"] = "course-a"
	a2 := visit("e2", 90)
	a2.RawFields["course_id"] = "course-a"
	b1 := visit("e3", 10)
	b1.RawFields["course_id"] = "course-b"
	loose := visit("e4", 20)

	episodes, err := clusterer.ClusterByCourse([]models.Event{a1, a2, b1, loose}, "course_id")
	if err != nil {
		t.Fatalf("cluster by course failed: %v", err)
	}
	if len(episodes) != 2 {
		t.Fatalf("expected 2 course episodes, got %d", len(episodes))
	}
	if episodes[0].DetectionMethod != MethodCourseIdentifier {
		t.Fatalf("unexpected detection method %s", episodes[0].DetectionMethod)
	}
	if len(episodes[0].EventIDs) != 2 {
		t.Fatalf("expected course-a to span 2 events, got %v", episodes[0].EventIDs)
	}
}

func TestClusterByCourseRequiresField(t *testing.T) {
	clusterer := NewClusterer(nil)
	if _, err := clusterer.ClusterByCourse(nil, "  "); err == nil {
		t.Fatal("expected error for blank identifier field")
	}
}

func TestCompareCoverage(t *testing.T) {
	gap := []models.Episode{{EventIDs: []string{"e1", "e2", "e4"}}}
	course := []models.Episode{{EventIDs: []string{"e2", "e3"}}}

	report := CompareCoverage(gap, course)
	if len(report.OnlyFirst) != 2 || report.OnlyFirst[0] != "e1" || report.OnlyFirst[1] != "e4" {
		t.Fatalf("unexpected only-first set: %v", report.OnlyFirst)
	}
	if len(report.OnlySecond) != 1 || report.OnlySecond[0] != "e3" {
		t.Fatalf("unexpected only-second set: %v", report.OnlySecond)
	}
	if len(report.Both) != 1 || report.Both[0] != "e2" {
		t.Fatalf("unexpected shared set: %v", report.Both)
	}
}
