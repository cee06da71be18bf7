package pipeline

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/chronica-ai/timeline/pkg/adjudication"
	"github.com/chronica-ai/timeline/pkg/common/logger"
	"github.com/chronica-ai/timeline/pkg/common/models"
	"github.com/chronica-ai/timeline/pkg/episode"
	"github.com/chronica-ai/timeline/pkg/extraction"
	"github.com/chronica-ai/timeline/pkg/gaps"
	"github.com/chronica-ai/timeline/pkg/monitor"
	"github.com/chronica-ai/timeline/pkg/policy"
	"github.com/chronica-ai/timeline/pkg/timeline"
)

func TestMain(m *testing.M) {
	logger.Init("test")
	os.Exit(m.Run())
}

const operativeText = "Gross total resection was achieved and the dura was closed primarily without complication."

type providerStub struct {
	source  string
	records []models.SourceRecord
	err     error
}

func (p *providerStub) Source() string { return p.source }

func (p *providerStub) Records(ctx context.Context, patientID string) ([]models.SourceRecord, error) {
	return p.records, p.err
}

type eventStoreStub struct{ saved []models.Event }

func (s *eventStoreStub) SaveBatch(ctx context.Context, events []models.Event) error {
	s.saved = append(s.saved, events...)
	return nil
}

type gapStoreStub struct{ saved []models.ExtractionGap }

func (s *gapStoreStub) SaveBatch(ctx context.Context, gapList []models.ExtractionGap) error {
	s.saved = append(s.saved, gapList...)
	return nil
}

type adjStoreStub struct{ saved []models.AdjudicationRecord }

func (s *adjStoreStub) Save(ctx context.Context, record *models.AdjudicationRecord) error {
	s.saved = append(s.saved, *record)
	return nil
}

type sinkStub struct{ records []models.ExportRecord }

func (s *sinkStub) Emit(ctx context.Context, record models.ExportRecord) error {
	s.records = append(s.records, record)
	return nil
}

type oracleStub struct {
	confidence float64
	calls      int
}

func (o *oracleStub) Extract(ctx context.Context, prompt string, schema extraction.Schema) (*extraction.Result, error) {
	o.calls++
	fields := map[string]interface{}{}
	for _, f := range schema.RequiredFields {
		fields[f] = "complete"
	}
	return &extraction.Result{Fields: fields, Confidence: o.confidence}, nil
}

type extractorStub struct{}

func (extractorStub) ExtractText(ctx context.Context, documentRef string) (string, error) {
	return "", errors.New("no document service in tests")
}

type updaterStub struct{}

func (updaterStub) UpdateExtraction(ctx context.Context, eventID string, tier int, confidence *float64) error {
	return nil
}

func runnerPolicy() policy.Policy {
	return policy.Policy{
		ClusterThresholdDays: map[string]int{"surgery": 14},
		DedupSimilarity:      0.6,
		Fields: map[string]policy.FieldRule{
			"surgical_outcome": {
				MinTextLength:       40,
				MinConfidence:       0.75,
				EventTypes:          []string{"surgery"},
				Required:            true,
				GatesClassification: true,
				Enum:                []string{"complete", "incomplete", "aborted"},
			},
		},
		Monitor: policy.MonitorRule{ConfidenceFloor: 0.5},
	}
}

func buildRunner(pol policy.Policy, providers []*providerStub, oracle extraction.Oracle, events *eventStoreStub, gapStore *gapStoreStub, adjStore *adjStoreStub, sink *sinkStub) *Runner {
	opts := RunnerOptions{
		Normalizer:  timeline.NewNormalizer(timeline.ProcedureAdapter{}, timeline.SchedulingAdapter{}),
		Builder:     timeline.NewBuilder(pol.DedupSimilarity),
		Clusterer:   episode.NewClusterer(pol.RequiredFields()),
		Identifier:  gaps.NewIdentifier(pol),
		Adjudicator: adjudication.New(pol),
		Monitor:     monitor.New(pol),
		NewTiers: func() *extraction.TierManager {
			return extraction.NewTierManager(extraction.TierManagerOptions{
				Policy:         pol,
				Oracle:         oracle,
				Extractor:      extractorStub{},
				Updater:        updaterStub{},
				RetryAttempts:  1,
				RetryBaseDelay: time.Millisecond,
			})
		},
		Policy:        pol,
		Events:        events,
		Gaps:          gapStore,
		Adjudications: adjStore,
		Sink:          sink,
		MaxConcurrent: 2,
	}
	for _, p := range providers {
		opts.Providers = append(opts.Providers, p)
	}
	return NewRunner(opts)
}

func TestRunProducesAnnotatedTimeline(t *testing.T) {
	procedures := &providerStub{
		source: "procedures",
		records: []models.SourceRecord{
			{Source: "procedures", PatientID: "p1", Fields: map[string]interface{}{
				"procedure_date": "2024-03-01",
				"impression":     operativeText,
			}},
			{Source: "procedures", PatientID: "p1", Fields: map[string]interface{}{
				"procedure_date": "2024-05-01",
			}},
		},
	}
	scheduling := &providerStub{source: "scheduling", err: errors.New("warehouse timeout")}

	events := &eventStoreStub{}
	gapStore := &gapStoreStub{}
	adjStore := &adjStoreStub{}
	sink := &sinkStub{}
	runner := buildRunner(runnerPolicy(), []*providerStub{procedures, scheduling}, &oracleStub{confidence: 0.9}, events, gapStore, adjStore, sink)

	result, err := runner.Run(context.Background(), "p1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(result.Build.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(result.Build.Events))
	}
	if !result.Build.Events[0].Date.Before(*result.Build.Events[1].Date) {
		t.Fatal("events not in chronological order")
	}

	warned := false
	for _, w := range result.Build.Warnings {
		if strings.Contains(w, "scheduling") {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("failing source should leave a warning, got %v", result.Build.Warnings)
	}

	// Two surgeries 61 days apart with a 14-day threshold.
	if len(result.Episodes[episode.MethodDateGap]) != 2 {
		t.Fatalf("expected 2 date-gap episodes, got %d", len(result.Episodes[episode.MethodDateGap]))
	}

	if len(result.Gaps) != 2 {
		t.Fatalf("expected 2 gaps, got %d", len(result.Gaps))
	}
	byStatus := map[models.GapStatus]int{}
	for _, gap := range result.Gaps {
		byStatus[gap.Status]++
	}
	if byStatus[models.GapResolved] != 1 {
		t.Fatalf("expected 1 resolved gap, got %+v", byStatus)
	}
	if byStatus[models.GapManualReview] != 1 {
		t.Fatalf("expected 1 manual-review gap, got %+v", byStatus)
	}

	if len(events.saved) != 2 {
		t.Fatalf("expected events persisted, got %d", len(events.saved))
	}
	if len(gapStore.saved) != 2 {
		t.Fatalf("expected gaps persisted, got %d", len(gapStore.saved))
	}
	// Export: 2 events + 2 episodes + 2 gaps.
	if len(sink.records) != 6 {
		t.Fatalf("expected 6 export records, got %d", len(sink.records))
	}
}

func TestRunIsRepeatable(t *testing.T) {
	procedures := &providerStub{
		source: "procedures",
		records: []models.SourceRecord{
			{Source: "procedures", PatientID: "p1", Fields: map[string]interface{}{
				"procedure_date": "2024-03-01",
				"impression":     operativeText,
			}},
		},
	}

	runner := buildRunner(runnerPolicy(), []*providerStub{procedures}, &oracleStub{confidence: 0.9}, &eventStoreStub{}, &gapStoreStub{}, &adjStoreStub{}, &sinkStub{})

	first, err := runner.Run(context.Background(), "p1")
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	second, err := runner.Run(context.Background(), "p1")
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	firstEpisodes := first.Episodes[episode.MethodDateGap]
	secondEpisodes := second.Episodes[episode.MethodDateGap]
	if len(firstEpisodes) != len(secondEpisodes) {
		t.Fatalf("episode count changed between runs: %d vs %d", len(firstEpisodes), len(secondEpisodes))
	}
}

func TestRunStopsAtCancelledContext(t *testing.T) {
	procedures := &providerStub{source: "procedures"}
	runner := buildRunner(runnerPolicy(), []*providerStub{procedures}, &oracleStub{confidence: 0.9}, &eventStoreStub{}, &gapStoreStub{}, &adjStoreStub{}, &sinkStub{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := runner.Run(ctx, "p1")
	if err == nil {
		t.Fatal("expected cancelled run to surface the context error")
	}
	if result == nil {
		t.Fatal("partial result must still be returned")
	}
}

func TestRunManyCoversEveryPatient(t *testing.T) {
	procedures := &providerStub{
		source: "procedures",
		records: []models.SourceRecord{
			{Source: "procedures", PatientID: "p1", Fields: map[string]interface{}{"procedure_date": "2024-03-01", "impression": operativeText}},
		},
	}
	runner := buildRunner(runnerPolicy(), []*providerStub{procedures}, &oracleStub{confidence: 0.9}, &eventStoreStub{}, &gapStoreStub{}, &adjStoreStub{}, &sinkStub{})

	errs := runner.RunMany(context.Background(), []string{"p1", "p2", "p3"})
	if len(errs) != 3 {
		t.Fatalf("expected a verdict per patient, got %d", len(errs))
	}
}
