package episode

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chronica-ai/timeline/pkg/common/models"
	"github.com/google/uuid"
)

// Detection method tags. Multiple methods may run over the same raw events;
// their episode sets are kept side by side and never merged inside the core.
const (
	MethodDateGap          = "date_gap"
	MethodCourseIdentifier = "course_identifier"
)

var startToEnd = map[models.EventType]models.EventType{
	models.EventChemoStart:     models.EventChemoEnd,
	models.EventRadiationStart: models.EventRadiationEnd,
}

// Clusterer groups events of one type into episodes. OutcomeFields are the
// raw-field names that count as a primary quantitative outcome for
// completeness grading.
type Clusterer struct {
	outcomeFields []string
}

func NewClusterer(outcomeFields []string) *Clusterer {
	return &Clusterer{outcomeFields: outcomeFields}
}

// Cluster walks the date-sorted events and starts a new episode whenever the
// gap from the previous event exceeds gapThresholdDays. Events on the same
// date always land in the same episode. A non-positive threshold is a
// configuration error. Clustering is idempotent: episode identifiers are
// derived from the constituent events, not generated fresh.
func (c *Clusterer) Cluster(events []models.Event, gapThresholdDays int) ([]models.Episode, error) {
	if gapThresholdDays <= 0 {
		return nil, fmt.Errorf("gap threshold must be positive, got %d", gapThresholdDays)
	}

	dated := make([]models.Event, 0, len(events))
	for _, e := range events {
		if e.Dated() {
			dated = append(dated, e)
		}
	}
	if len(dated) == 0 {
		return []models.Episode{}, nil
	}

	sort.Slice(dated, func(i, j int) bool {
		if !dated[i].Date.Equal(*dated[j].Date) {
			return dated[i].Date.Before(*dated[j].Date)
		}
		if dated[i].Type != dated[j].Type {
			return dated[i].Type < dated[j].Type
		}
		return dated[i].ID < dated[j].ID
	})

	var episodes []models.Episode
	var current []models.Event
	for i, event := range dated {
		if i == 0 {
			current = []models.Event{event}
			continue
		}
		prev := dated[i-1]
		gap := daysBetween(*prev.Date, *event.Date)
		if gap == 0 || gap <= gapThresholdDays {
			current = append(current, event)
			continue
		}
		episodes = append(episodes, c.assemble(current, MethodDateGap))
		current = []models.Event{event}
	}
	episodes = append(episodes, c.assemble(current, MethodDateGap))
	return episodes, nil
}

// ClusterByCourse groups events sharing a structured course identifier in
// their raw fields. Events without the identifier are ignored by this method;
// the date-gap heuristic is responsible for them.
func (c *Clusterer) ClusterByCourse(events []models.Event, identifierField string) ([]models.Episode, error) {
	if strings.TrimSpace(identifierField) == "" {
		return nil, fmt.Errorf("course identifier field must be configured")
	}

	groups := make(map[string][]models.Event)
	var order []string
	for _, e := range events {
		if !e.Dated() {
			continue
		}
		id, _ := e.RawFields[identifierField].(string)
		if id == "" {
			continue
		}
		if _, seen := groups[id]; !seen {
			order = append(order, id)
		}
		groups[id] = append(groups[id], e)
	}
	sort.Strings(order)

	episodes := make([]models.Episode, 0, len(order))
	for _, id := range order {
		group := groups[id]
		sort.Slice(group, func(i, j int) bool {
			if !group[i].Date.Equal(*group[j].Date) {
				return group[i].Date.Before(*group[j].Date)
			}
			return group[i].ID < group[j].ID
		})
		episodes = append(episodes, c.assemble(group, MethodCourseIdentifier))
	}
	return episodes, nil
}

func (c *Clusterer) assemble(events []models.Event, method string) models.Episode {
	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}

	open := isOpen(events)
	ep := models.Episode{
		ID:              deterministicID(method, ids),
		PatientID:       events[0].PatientID,
		DetectionMethod: method,
		StartDate:       *events[0].Date,
		EndDate:         *events[len(events)-1].Date,
		Open:            open,
		EventIDs:        ids,
	}
	ep.Completeness = c.completeness(events, open)
	return ep
}

// deterministicID hashes the method and constituent event ids so reclustering
// the same event set reproduces the same episode identity.
func deterministicID(method string, eventIDs []string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(method+"|"+strings.Join(eventIDs, ","))).String()
}

// isOpen reports whether a treatment course started inside the episode
// without its matching end event.
func isOpen(events []models.Event) bool {
	for _, e := range events {
		endType, isStart := startToEnd[e.Type]
		if !isStart {
			continue
		}
		closed := false
		for _, other := range events {
			if other.Type == endType {
				closed = true
				break
			}
		}
		if !closed {
			return true
		}
	}
	return false
}

// completeness grades the episode's evidentiary support:
// COMPLETE > GOOD > PARTIAL > MINIMAL.
func (c *Clusterer) completeness(events []models.Event, open bool) models.CompletenessTier {
	if open {
		return models.CompletenessMinimal
	}

	corroborated := false
	outcome := false
	for _, e := range events {
		if e.Type == models.EventDocument {
			corroborated = true
		}
		for _, field := range c.outcomeFields {
			if v, ok := e.RawFields[field]; ok && v != nil {
				outcome = true
			}
		}
	}

	switch {
	case corroborated && outcome:
		return models.CompletenessComplete
	case corroborated:
		return models.CompletenessGood
	default:
		return models.CompletenessPartial
	}
}

// CoverageReport compares two detection methods over the same raw events:
// which events does each method place in some episode that the other misses.
// This is an explicit, separately-run comparison, never a runtime merge.
type CoverageReport struct {
	OnlyFirst  []string `json:"only_first"`
	OnlySecond []string `json:"only_second"`
	Both       []string `json:"both"`
}

func CompareCoverage(first, second []models.Episode) CoverageReport {
	inFirst := coveredEvents(first)
	inSecond := coveredEvents(second)

	var report CoverageReport
	for id := range inFirst {
		if _, ok := inSecond[id]; ok {
			report.Both = append(report.Both, id)
		} else {
			report.OnlyFirst = append(report.OnlyFirst, id)
		}
	}
	for id := range inSecond {
		if _, ok := inFirst[id]; !ok {
			report.OnlySecond = append(report.OnlySecond, id)
		}
	}
	sort.Strings(report.OnlyFirst)
	sort.Strings(report.OnlySecond)
	sort.Strings(report.Both)
	return report
}

func coveredEvents(episodes []models.Episode) map[string]struct{} {
	covered := make(map[string]struct{})
	for _, ep := range episodes {
		for _, id := range ep.EventIDs {
			covered[id] = struct{}{}
		}
	}
	return covered
}

// daysBetween counts calendar days, not 24-hour spans: intra-day timestamps
// must not shrink the gap below the threshold.
func daysBetween(a, b time.Time) int {
	days := int(midnight(b).Sub(midnight(a)).Hours() / 24)
	if days < 0 {
		return -days
	}
	return days
}

func midnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
