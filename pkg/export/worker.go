package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chronica-ai/timeline/pkg/common/kafka"
	"github.com/chronica-ai/timeline/pkg/common/logger"
	"github.com/chronica-ai/timeline/pkg/common/models"
)

// Worker drains the export topic into per-patient CSV files, the handoff
// format for manual abstraction teams. Records append in arrival order; the
// sequence column preserves the original export order across rebuilds.
type Worker struct {
	consumer *kafka.Consumer
	dir      string

	mu sync.Mutex
}

func NewWorker(consumer *kafka.Consumer, dir string) *Worker {
	return &Worker{consumer: consumer, dir: dir}
}

// Run consumes until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}
	return w.consumer.Consume(ctx, w.handle)
}

func (w *Worker) handle(ctx context.Context, envelope kafka.Envelope) error {
	raw, err := json.Marshal(envelope.Payload)
	if err != nil {
		return fmt.Errorf("re-encoding export payload: %w", err)
	}
	var record models.ExportRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return fmt.Errorf("decoding export record: %w", err)
	}
	if record.PatientID == "" {
		return fmt.Errorf("export record %s has no patient id", envelope.ID)
	}

	if err := w.append(record); err != nil {
		return err
	}

	logger.Log.WithFields(map[string]interface{}{
		"patient_id": record.PatientID,
		"kind":       record.Kind,
		"sequence":   record.Sequence,
	}).Debug("export record written")
	return nil
}

func (w *Worker) append(record models.ExportRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := filepath.Join(w.dir, record.PatientID+".csv")
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening export file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if fresh {
		if err := writer.Write(csvHeader); err != nil {
			return err
		}
	}
	row, err := csvRow(record)
	if err != nil {
		return err
	}
	if err := writer.Write(row); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}
