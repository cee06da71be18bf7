package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/chronica-ai/timeline/pkg/common/kafka"
	"github.com/chronica-ai/timeline/pkg/common/logger"
	"github.com/chronica-ai/timeline/pkg/common/models"
)

// Record kinds in export order.
const (
	KindEvent        = "event"
	KindEpisode      = "episode"
	KindGap          = "gap"
	KindAdjudication = "adjudication"
	KindDecision     = "decision"
)

// Sink receives the ordered patient-scoped export. The core never formats
// for a specific case-report system; that is the consumer's job.
type Sink interface {
	Emit(ctx context.Context, record models.ExportRecord) error
}

// KafkaSink publishes export records to the bus, with a dead-letter topic
// for records that fail to publish.
type KafkaSink struct {
	producer *kafka.Producer
	dlq      *kafka.Producer
	source   string
}

func NewKafkaSink(producer, dlq *kafka.Producer, source string) *KafkaSink {
	return &KafkaSink{producer: producer, dlq: dlq, source: source}
}

func (s *KafkaSink) Emit(ctx context.Context, record models.ExportRecord) error {
	if err := s.producer.Publish(ctx, "timeline-export", s.source, record); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"patient_id": record.PatientID,
			"kind":       record.Kind,
		}).Error("failed to publish export record")
		if s.dlq != nil {
			_ = s.dlq.Publish(ctx, "timeline-export-dlq", s.source, record)
		}
		return err
	}
	return nil
}

// Bundle flattens one patient's annotated timeline into the ordered export
// sequence: events, episodes per detection method, gaps, adjudications,
// decisions.
func Bundle(
	build models.TimelineBuild,
	episodes map[string][]models.Episode,
	gapList []models.ExtractionGap,
	adjudications []models.AdjudicationRecord,
	decisions []models.ReviewDecision,
) []models.ExportRecord {
	now := time.Now().UTC()
	var records []models.ExportRecord
	seq := 0

	push := func(kind string, payload interface{}) {
		records = append(records, models.ExportRecord{
			Kind:      kind,
			PatientID: build.PatientID,
			Sequence:  seq,
			Payload:   payload,
			Timestamp: now,
		})
		seq++
	}

	for i := range build.Events {
		push(KindEvent, build.Events[i])
	}
	for i := range build.Undated {
		push(KindEvent, build.Undated[i])
	}
	for _, method := range sortedKeys(episodes) {
		for i := range episodes[method] {
			push(KindEpisode, episodes[method][i])
		}
	}
	for i := range gapList {
		push(KindGap, gapList[i])
	}
	for i := range adjudications {
		push(KindAdjudication, adjudications[i])
	}
	for i := range decisions {
		push(KindDecision, decisions[i])
	}
	return records
}

var csvHeader = []string{"sequence", "kind", "patient_id", "timestamp", "payload"}

// WriteCSV streams export records as CSV for manual abstraction workflows.
func WriteCSV(w io.Writer, records []models.ExportRecord) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	for _, record := range records {
		row, err := csvRow(record)
		if err != nil {
			return err
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func csvRow(record models.ExportRecord) ([]string, error) {
	payload, err := json.Marshal(record.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s record %d: %w", record.Kind, record.Sequence, err)
	}
	return []string{
		fmt.Sprintf("%d", record.Sequence),
		record.Kind,
		record.PatientID,
		record.Timestamp.Format(time.RFC3339),
		string(payload),
	}, nil
}

func sortedKeys(m map[string][]models.Episode) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
