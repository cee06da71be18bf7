package timeline

import (
	"context"
	"errors"
	"time"

	"github.com/chronica-ai/timeline/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("timeline event not found")

// EventModel is the persisted form of a canonical event.
type EventModel struct {
	ID             string            `gorm:"primaryKey;column:id"`
	PatientID      string            `gorm:"column:patient_id;index"`
	Type           string            `gorm:"column:event_type"`
	Date           *time.Time        `gorm:"column:event_date"`
	Source         string            `gorm:"column:source"`
	RawFields      datatypes.JSONMap `gorm:"column:raw_fields"`
	ExtractionTier int               `gorm:"column:extraction_tier"`
	Confidence     *float64          `gorm:"column:confidence"`
	CreatedAt      time.Time         `gorm:"column:created_at"`
	UpdatedAt      time.Time         `gorm:"column:updated_at"`
}

func (EventModel) TableName() string {
	return "timeline_events"
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&EventModel{})
}

// SaveBatch upserts the events of one build. Rebuilds are idempotent, so an
// existing row is overwritten rather than duplicated.
func (r *Repository) SaveBatch(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]EventModel, 0, len(events))
	now := time.Now().UTC()
	for i := range events {
		rows = append(rows, toModel(&events[i], now))
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rows).Error
}

func (r *Repository) ByPatient(ctx context.Context, patientID string) ([]models.Event, error) {
	var rows []EventModel
	err := r.db.WithContext(ctx).
		Where("patient_id = ?", patientID).
		Order("event_date asc, event_type asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	events := make([]models.Event, 0, len(rows))
	for i := range rows {
		events = append(events, fromModel(&rows[i]))
	}
	return events, nil
}

func (r *Repository) Get(ctx context.Context, id string) (*models.Event, error) {
	var row EventModel
	result := r.db.WithContext(ctx).First(&row, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	event := fromModel(&row)
	return &event, nil
}

// UpdateExtraction writes the tier/confidence transition the tier manager
// owns. No other event field is ever mutated after creation.
func (r *Repository) UpdateExtraction(ctx context.Context, id string, tier int, confidence *float64) error {
	return r.db.WithContext(ctx).Model(&EventModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"extraction_tier": tier,
			"confidence":      confidence,
			"updated_at":      time.Now().UTC(),
		}).Error
}

func toModel(e *models.Event, now time.Time) EventModel {
	return EventModel{
		ID:             e.ID,
		PatientID:      e.PatientID,
		Type:           string(e.Type),
		Date:           e.Date,
		Source:         e.Source,
		RawFields:      datatypes.JSONMap(e.RawFields),
		ExtractionTier: e.ExtractionTier,
		Confidence:     e.Confidence,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func fromModel(m *EventModel) models.Event {
	return models.Event{
		ID:             m.ID,
		PatientID:      m.PatientID,
		Type:           models.EventType(m.Type),
		Date:           m.Date,
		Source:         m.Source,
		RawFields:      map[string]interface{}(m.RawFields),
		ExtractionTier: m.ExtractionTier,
		Confidence:     m.Confidence,
	}
}
