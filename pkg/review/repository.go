package review

import (
	"context"
	"time"

	"github.com/chronica-ai/timeline/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DecisionModel is the immutable audit row for one human action. Rows are
// only ever inserted.
type DecisionModel struct {
	ID             string            `gorm:"primaryKey;column:id"`
	PatientID      string            `gorm:"column:patient_id;index"`
	GapID          string            `gorm:"column:gap_id;index"`
	AdjudicationID string            `gorm:"column:adjudication_id"`
	Action         string            `gorm:"column:action"`
	NewValue       datatypes.JSONMap `gorm:"column:new_value"`
	Reviewer       string            `gorm:"column:reviewer"`
	Timestamp      time.Time         `gorm:"column:timestamp"`
}

func (DecisionModel) TableName() string {
	return "review_decisions"
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&DecisionModel{})
}

// Save commits one decision. Each decision commits independently so an
// interrupted session loses nothing already recorded.
func (r *Repository) Save(ctx context.Context, decision *models.ReviewDecision) error {
	row := DecisionModel{
		ID:             decision.ID,
		PatientID:      decision.PatientID,
		GapID:          decision.GapID,
		AdjudicationID: decision.AdjudicationID,
		Action:         string(decision.Action),
		NewValue:       datatypes.JSONMap{"value": decision.NewValue},
		Reviewer:       decision.Reviewer,
		Timestamp:      decision.Timestamp,
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *Repository) ByPatient(ctx context.Context, patientID string) ([]models.ReviewDecision, error) {
	var rows []DecisionModel
	if err := r.db.WithContext(ctx).
		Where("patient_id = ?", patientID).
		Order("timestamp asc, id asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.ReviewDecision, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.ReviewDecision{
			ID:             row.ID,
			PatientID:      row.PatientID,
			GapID:          row.GapID,
			AdjudicationID: row.AdjudicationID,
			Action:         models.ReviewAction(row.Action),
			NewValue:       row.NewValue["value"],
			Reviewer:       row.Reviewer,
			Timestamp:      row.Timestamp,
		})
	}
	return out, nil
}

func (r *Repository) ByGap(ctx context.Context, gapID string) ([]models.ReviewDecision, error) {
	var rows []DecisionModel
	if err := r.db.WithContext(ctx).
		Where("gap_id = ?", gapID).
		Order("timestamp asc, id asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.ReviewDecision, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.ReviewDecision{
			ID:             row.ID,
			PatientID:      row.PatientID,
			GapID:          row.GapID,
			AdjudicationID: row.AdjudicationID,
			Action:         models.ReviewAction(row.Action),
			NewValue:       row.NewValue["value"],
			Reviewer:       row.Reviewer,
			Timestamp:      row.Timestamp,
		})
	}
	return out, nil
}
