package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/chronica-ai/timeline/pkg/adjudication"
	"github.com/chronica-ai/timeline/pkg/common/logger"
	"github.com/chronica-ai/timeline/pkg/common/models"
	"github.com/chronica-ai/timeline/pkg/episode"
	"github.com/chronica-ai/timeline/pkg/export"
	"github.com/chronica-ai/timeline/pkg/extraction"
	"github.com/chronica-ai/timeline/pkg/gaps"
	"github.com/chronica-ai/timeline/pkg/monitor"
	"github.com/chronica-ai/timeline/pkg/observability/metrics"
	"github.com/chronica-ai/timeline/pkg/policy"
	"github.com/chronica-ai/timeline/pkg/timeline"
	"github.com/chronica-ai/timeline/pkg/warehouse"
	"github.com/google/uuid"
)

// The raw-field key course-identifier clustering groups on.
const courseIdentifierField = "course_id"

// EventStore, GapStore and AdjudicationStore are the persistence surfaces
// the runner needs; the gorm repositories satisfy them.
type EventStore interface {
	SaveBatch(ctx context.Context, events []models.Event) error
}

type GapStore interface {
	SaveBatch(ctx context.Context, gapList []models.ExtractionGap) error
}

type AdjudicationStore interface {
	Save(ctx context.Context, record *models.AdjudicationRecord) error
}

// Result is one patient's fully annotated timeline. Every phase output is a
// value: an aborted run leaves whatever phases completed valid and
// inspectable.
type Result struct {
	Build         models.TimelineBuild              `json:"build"`
	Episodes      map[string][]models.Episode       `json:"episodes"` // keyed by detection method, never merged
	Gaps          []models.ExtractionGap            `json:"gaps"`
	Adjudications []models.AdjudicationRecord       `json:"adjudications"`
	Flags         []models.Issue                    `json:"flags"`
}

// Runner executes the phase order for one patient: Normalize -> Build ->
// Cluster -> gap-scan/tier-resolve/adjudicate -> Monitor -> persist/export.
// No phase starts before its predecessor's output is complete.
type Runner struct {
	providers   []warehouse.Provider
	normalizer  *timeline.Normalizer
	builder     *timeline.Builder
	clusterer   *episode.Clusterer
	identifier  *gaps.Identifier
	adjudicator *adjudication.Adjudicator
	monitor     *monitor.Monitor
	newTiers    func() *extraction.TierManager
	policy      policy.Policy

	events        EventStore
	gapStore      GapStore
	adjudications AdjudicationStore
	sink          export.Sink

	maxConcurrent int
}

type RunnerOptions struct {
	Providers     []warehouse.Provider
	Normalizer    *timeline.Normalizer
	Builder       *timeline.Builder
	Clusterer     *episode.Clusterer
	Identifier    *gaps.Identifier
	Adjudicator   *adjudication.Adjudicator
	Monitor       *monitor.Monitor
	NewTiers      func() *extraction.TierManager
	Policy        policy.Policy
	Events        EventStore
	Gaps          GapStore
	Adjudications AdjudicationStore
	Sink          export.Sink
	MaxConcurrent int
}

func NewRunner(opts RunnerOptions) *Runner {
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Runner{
		providers:     opts.Providers,
		normalizer:    opts.Normalizer,
		builder:       opts.Builder,
		clusterer:     opts.Clusterer,
		identifier:    opts.Identifier,
		adjudicator:   opts.Adjudicator,
		monitor:       opts.Monitor,
		newTiers:      opts.NewTiers,
		policy:        opts.Policy,
		events:        opts.Events,
		gapStore:      opts.Gaps,
		adjudications: opts.Adjudications,
		sink:          opts.Sink,
		maxConcurrent: maxConcurrent,
	}
}

// Run executes the full pipeline for one patient. The run always completes
// and always emits a timeline, even if degraded: degraded means explicit
// gaps and flags, never silently wrong values.
func (r *Runner) Run(ctx context.Context, patientID string) (*Result, error) {
	result := &Result{Episodes: make(map[string][]models.Episode)}

	// Phase 1: fetch + normalize, one source at a time. A failing source is
	// skipped with a warning; partial timelines are valid.
	var eventLists [][]models.Event
	var warnings []string
	for _, provider := range r.providers {
		records, err := provider.Records(ctx, patientID)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("source %s skipped: %v", provider.Source(), err))
			logger.Log.WithError(err).WithField("source", provider.Source()).Warn("source unavailable, continuing without it")
			continue
		}
		events, dropped, err := r.normalizer.Normalize(provider.Source(), records)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("source %s skipped: %v", provider.Source(), err))
			continue
		}
		if dropped > 0 {
			warnings = append(warnings, fmt.Sprintf("source %s: %d malformed records dropped", provider.Source(), dropped))
		}
		eventLists = append(eventLists, events)
	}

	if err := checkpoint(ctx); err != nil {
		return result, err
	}

	// Phase 2: build the ordered timeline.
	result.Build = r.builder.Build(patientID, eventLists, warnings)
	metrics.AddEventsBuilt(len(result.Build.Events))

	// Duplicate-event QA over the assembled timeline.
	for i := range result.Build.Events {
		check := r.monitor.CheckEvent(&result.Build.Events[i], result.Build.Events)
		if check.RequiresReview {
			result.Flags = append(result.Flags, check.Issues...)
			result.Gaps = append(result.Gaps, flagGaps(patientID, check.Issues)...)
		}
	}

	if err := checkpoint(ctx); err != nil {
		return result, err
	}

	// Phase 3: episode detection, every configured method side by side.
	detected, err := r.DetectEpisodes(result.Build.Events)
	if err != nil {
		return result, err
	}
	result.Episodes = detected
	metrics.AddEpisodesDetected(countEpisodes(result.Episodes))

	if err := checkpoint(ctx); err != nil {
		return result, err
	}

	// Phase 4: gap scan, then tier-resolve and adjudicate per gap in
	// priority order.
	tiers := r.newTiers()
	queue := r.identifier.Scan(result.Build, tiers)

	eventsByID := make(map[string]*models.Event, len(result.Build.Events))
	for i := range result.Build.Events {
		eventsByID[result.Build.Events[i].ID] = &result.Build.Events[i]
	}

	for i := range queue {
		gap := &queue[i]
		event, ok := eventsByID[gap.EventID]
		if !ok {
			gap.Status = models.GapManualReview
			gap.Reason = "event no longer present in timeline"
			continue
		}
		r.resolveGap(ctx, gap, event, tiers, result)
	}
	result.Gaps = append(result.Gaps, queue...)
	metrics.AddManualReviewGaps(countManualReview(result.Gaps))

	if err := checkpoint(ctx); err != nil {
		return result, err
	}

	// Phase 5: persist and export.
	if r.events != nil {
		all := append(append([]models.Event{}, result.Build.Events...), result.Build.Undated...)
		if err := r.events.SaveBatch(ctx, all); err != nil {
			return result, fmt.Errorf("persisting events: %w", err)
		}
	}
	if r.gapStore != nil {
		if err := r.gapStore.SaveBatch(ctx, result.Gaps); err != nil {
			return result, fmt.Errorf("persisting gaps: %w", err)
		}
	}
	if r.adjudications != nil {
		for i := range result.Adjudications {
			if err := r.adjudications.Save(ctx, &result.Adjudications[i]); err != nil {
				return result, fmt.Errorf("persisting adjudication: %w", err)
			}
		}
	}
	if r.sink != nil {
		for _, record := range export.Bundle(result.Build, result.Episodes, result.Gaps, result.Adjudications, nil) {
			if err := r.sink.Emit(ctx, record); err != nil {
				// Export failure degrades the run but does not lose it; the
				// sink keeps its own dead-letter trail.
				result.Build.Warnings = append(result.Build.Warnings, fmt.Sprintf("export: %v", err))
				break
			}
		}
	}

	return result, nil
}

// DetectEpisodes runs every configured detection method over the ordered
// events and returns the labeled episode sets side by side.
func (r *Runner) DetectEpisodes(events []models.Event) (map[string][]models.Episode, error) {
	detected := make(map[string][]models.Episode)

	byType := make(map[models.EventType][]models.Event)
	for _, event := range events {
		byType[event.Type] = append(byType[event.Type], event)
	}
	for eventType, typed := range byType {
		threshold, configured := r.policy.ClusterThreshold(string(eventType))
		if !configured {
			continue
		}
		episodes, err := r.clusterer.Cluster(typed, threshold)
		if err != nil {
			return nil, fmt.Errorf("clustering %s events: %w", eventType, err)
		}
		detected[episode.MethodDateGap] = append(detected[episode.MethodDateGap], episodes...)
	}

	courseEpisodes, err := r.clusterer.ClusterByCourse(events, courseIdentifierField)
	if err == nil && len(courseEpisodes) > 0 {
		detected[episode.MethodCourseIdentifier] = courseEpisodes
	}
	return detected, nil
}

// resolveGap drives one gap through the tier state machine, vets the outcome
// with the monitor, and adjudicates when the structured source and the
// extraction disagree.
func (r *Runner) resolveGap(ctx context.Context, gap *models.ExtractionGap, event *models.Event, tiers *extraction.TierManager, result *Result) {
	resolution, err := tiers.ResolveField(ctx, event, gap.FieldName)
	if err != nil {
		gap.Status = models.GapManualReview
		gap.Reason = fmt.Sprintf("extraction state could not be persisted: %v", err)
		return
	}
	if resolution.TierUsed == models.TierDocument {
		metrics.AddTier2Escalations(1)
	}

	gap.Status = resolution.Status
	gap.Reason = resolution.Reason
	if resolution.Status != models.GapResolved {
		return
	}

	check := r.monitor.CheckValue(event, gap.FieldName, resolution.Value, resolution.Confidence, result.Build.Events)
	if check.Rejected {
		gap.Status = models.GapManualReview
		gap.Reason = check.Issues[0].Message
		result.Flags = append(result.Flags, check.Issues...)
		return
	}
	if check.RequiresReview {
		gap.Status = models.GapManualReview
		gap.Reason = check.Issues[0].Message
		result.Flags = append(result.Flags, check.Issues...)
	}

	// When the structured record already carried a value, the extraction is
	// a second opinion: adjudicate rather than overwrite.
	if raw, has := event.RawFields[gap.FieldName]; has && raw != nil {
		candidates := []models.Candidate{
			{Value: raw, Source: event.Source, Tier: models.TierStructured, Confidence: event.Confidence},
			{Value: resolution.Value, Source: fmt.Sprintf("tier%d_extraction", resolution.TierUsed), Tier: resolution.TierUsed, Confidence: resolution.Confidence},
		}
		record := r.adjudicator.Adjudicate(gap.FieldName, candidates)
		record.PatientID = gap.PatientID
		record.EventID = event.ID
		result.Adjudications = append(result.Adjudications, record)

		if record.Severity == models.SeverityHigh {
			metrics.AddHighSeverityConflicts(1)
			result.Gaps = append(result.Gaps, models.ExtractionGap{
				ID:        uuid.New().String(),
				PatientID: gap.PatientID,
				EventID:   event.ID,
				FieldName: gap.FieldName,
				Priority:  models.PriorityHighest,
				Status:    models.GapManualReview,
				Reason:    fmt.Sprintf("high-severity conflict: %s", record.Rationale),
				CreatedAt: record.CreatedAt,
				UpdatedAt: record.CreatedAt,
			})
		}
	}
}

// RunMany processes patients concurrently; each patient's pipeline is
// independent, bounded by the collaborator concurrency limit.
func (r *Runner) RunMany(ctx context.Context, patientIDs []string) map[string]error {
	sem := make(chan struct{}, r.maxConcurrent)
	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make(map[string]error, len(patientIDs))

	for _, patientID := range patientIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			_, err := r.Run(ctx, id)
			mu.Lock()
			errs[id] = err
			mu.Unlock()
		}(patientID)
	}

	wg.Wait()
	return errs
}

func checkpoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func flagGaps(patientID string, issues []models.Issue) []models.ExtractionGap {
	out := make([]models.ExtractionGap, 0, len(issues))
	for _, issue := range issues {
		priority := models.PriorityHigh
		if issue.Severity == models.SeverityHigh {
			priority = models.PriorityHighest
		}
		fieldName := issue.FieldName
		if fieldName == "" {
			fieldName = issue.Rule
		}
		out = append(out, models.ExtractionGap{
			ID:        uuid.New().String(),
			PatientID: patientID,
			EventID:   issue.EventID,
			FieldName: fieldName,
			Priority:  priority,
			Status:    models.GapManualReview,
			Reason:    issue.Message,
		})
	}
	return out
}

func countEpisodes(episodes map[string][]models.Episode) int {
	total := 0
	for _, list := range episodes {
		total += len(list)
	}
	return total
}

func countManualReview(gapList []models.ExtractionGap) int {
	total := 0
	for _, gap := range gapList {
		if gap.Status == models.GapManualReview {
			total++
		}
	}
	return total
}
