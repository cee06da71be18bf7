package adjudication

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chronica-ai/timeline/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RecordModel persists adjudication outcomes for audit and export.
type RecordModel struct {
	ID         string            `gorm:"primaryKey;column:id"`
	PatientID  string            `gorm:"column:patient_id;index"`
	EventID    string            `gorm:"column:event_id"`
	FieldName  string            `gorm:"column:field_name"`
	Candidates datatypes.JSON    `gorm:"column:candidates"`
	FinalValue datatypes.JSONMap `gorm:"column:final_value"`
	Agreement  string            `gorm:"column:agreement"`
	Severity   string            `gorm:"column:conflict_severity"`
	Rationale  string            `gorm:"column:rationale"`
	CreatedAt  time.Time         `gorm:"column:created_at"`
}

func (RecordModel) TableName() string {
	return "adjudication_records"
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&RecordModel{})
}

func (r *Repository) Save(ctx context.Context, record *models.AdjudicationRecord) error {
	candidates, err := json.Marshal(record.Candidates)
	if err != nil {
		return err
	}
	row := RecordModel{
		ID:         record.ID,
		PatientID:  record.PatientID,
		EventID:    record.EventID,
		FieldName:  record.FieldName,
		Candidates: datatypes.JSON(candidates),
		FinalValue: datatypes.JSONMap{"value": record.FinalValue},
		Agreement:  string(record.Agreement),
		Severity:   string(record.Severity),
		Rationale:  record.Rationale,
		CreatedAt:  record.CreatedAt,
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *Repository) ByPatient(ctx context.Context, patientID string) ([]models.AdjudicationRecord, error) {
	var rows []RecordModel
	if err := r.db.WithContext(ctx).
		Where("patient_id = ?", patientID).
		Order("created_at asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]models.AdjudicationRecord, 0, len(rows))
	for _, row := range rows {
		var candidates []models.Candidate
		_ = json.Unmarshal(row.Candidates, &candidates)
		records = append(records, models.AdjudicationRecord{
			ID:         row.ID,
			PatientID:  row.PatientID,
			EventID:    row.EventID,
			FieldName:  row.FieldName,
			Candidates: candidates,
			FinalValue: row.FinalValue["value"],
			Agreement:  models.Agreement(row.Agreement),
			Severity:   models.ConflictSeverity(row.Severity),
			Rationale:  row.Rationale,
			CreatedAt:  row.CreatedAt,
		})
	}
	return records, nil
}
