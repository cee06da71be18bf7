package timeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/chronica-ai/timeline/pkg/common/logger"
	"github.com/chronica-ai/timeline/pkg/common/models"
)

// Builder merges per-source event lists into one chronologically ordered,
// deduplicated timeline. Build is a pure transformation: a source that failed
// upstream simply contributes no list and is reported in Warnings.
type Builder struct {
	dedupSimilarity float64
}

func NewBuilder(dedupSimilarity float64) *Builder {
	return &Builder{dedupSimilarity: dedupSimilarity}
}

// Build orders all events for one patient by (event_date, event_type,
// event_id). Undated events go to a separate bucket; they are retained but
// excluded from ordering and clustering until dated. Duplicates (same type,
// same day, raw-field overlap above the similarity threshold) are merged into
// the highest-confidence event with a merged_from trail.
func (b *Builder) Build(patientID string, eventLists [][]models.Event, warnings []string) models.TimelineBuild {
	var dated []models.Event
	var undated []models.Event

	for _, list := range eventLists {
		for _, event := range list {
			if event.PatientID != patientID {
				warnings = append(warnings, fmt.Sprintf("event %s belongs to patient %s, not %s; skipped", event.ID, event.PatientID, patientID))
				continue
			}
			if event.Dated() {
				dated = append(dated, event)
			} else {
				undated = append(undated, event)
			}
		}
	}

	dated = b.merge(dated)

	sort.Slice(dated, func(i, j int) bool {
		if !dated[i].Date.Equal(*dated[j].Date) {
			return dated[i].Date.Before(*dated[j].Date)
		}
		if dated[i].Type != dated[j].Type {
			return dated[i].Type < dated[j].Type
		}
		return dated[i].ID < dated[j].ID
	})

	sort.Slice(undated, func(i, j int) bool {
		if undated[i].Type != undated[j].Type {
			return undated[i].Type < undated[j].Type
		}
		return undated[i].ID < undated[j].ID
	})

	return models.TimelineBuild{
		PatientID: patientID,
		Events:    dated,
		Undated:   undated,
		Warnings:  warnings,
	}
}

// merge folds duplicate events together. Quadratic within a (type, day)
// bucket, which stays small for real patients.
func (b *Builder) merge(events []models.Event) []models.Event {
	merged := make([]models.Event, 0, len(events))

	for _, event := range events {
		target := -1
		for i := range merged {
			if merged[i].Type != event.Type {
				continue
			}
			if !sameDay(*merged[i].Date, *event.Date) {
				continue
			}
			if fieldSimilarity(merged[i].RawFields, event.RawFields) >= b.dedupSimilarity {
				target = i
				break
			}
		}
		if target == -1 {
			merged = append(merged, event)
			continue
		}
		merged[target] = mergeEvents(merged[target], event)
	}
	return merged
}

// mergeEvents keeps the higher-confidence event and records the other in the
// merged_from trail. Raw fields the winner lacks are carried over so no
// observed value is dropped.
func mergeEvents(a, b models.Event) models.Event {
	winner, loser := a, b
	if confidenceOf(&b) > confidenceOf(&a) {
		winner, loser = b, a
	}

	for k, v := range loser.RawFields {
		if k == "merged_from" {
			continue
		}
		if _, exists := winner.RawFields[k]; !exists {
			winner.RawFields[k] = v
		}
	}

	trail, _ := winner.RawFields["merged_from"].([]interface{})
	if prior, ok := loser.RawFields["merged_from"].([]interface{}); ok {
		trail = append(trail, prior...)
	}
	trail = append(trail, map[string]interface{}{
		"event_id": loser.ID,
		"source":   loser.Source,
	})
	winner.RawFields["merged_from"] = trail

	logger.Log.WithFields(map[string]interface{}{
		"kept_event":   winner.ID,
		"merged_event": loser.ID,
	}).Debug("merged duplicate events")

	return winner
}

func confidenceOf(e *models.Event) float64 {
	if e.Confidence == nil {
		return 0
	}
	return *e.Confidence
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// fieldSimilarity is the Jaccard overlap of stringified key=value pairs,
// ignoring the merge trail itself.
func fieldSimilarity(a, b map[string]interface{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	setA := make(map[string]struct{}, len(a))
	for k, v := range a {
		if k == "merged_from" {
			continue
		}
		setA[fmt.Sprintf("%s=%v", k, v)] = struct{}{}
	}
	union := len(setA)
	shared := 0
	for k, v := range b {
		if k == "merged_from" {
			continue
		}
		key := fmt.Sprintf("%s=%v", k, v)
		if _, ok := setA[key]; ok {
			shared++
		} else {
			union++
		}
	}
	if union == 0 {
		return 1
	}
	return float64(shared) / float64(union)
}
