package gaps

import (
	"context"
	"errors"
	"time"

	"github.com/chronica-ai/timeline/pkg/common/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("extraction gap not found")

type GapModel struct {
	ID        string    `gorm:"primaryKey;column:id"`
	PatientID string    `gorm:"column:patient_id;index"`
	EventID   string    `gorm:"column:event_id"`
	EpisodeID string    `gorm:"column:episode_id"`
	FieldName string    `gorm:"column:field_name"`
	Priority  string    `gorm:"column:priority"`
	Status    string    `gorm:"column:status"`
	Reason    string    `gorm:"column:reason"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (GapModel) TableName() string {
	return "extraction_gaps"
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&GapModel{})
}

func (r *Repository) SaveBatch(ctx context.Context, gaps []models.ExtractionGap) error {
	if len(gaps) == 0 {
		return nil
	}
	rows := make([]GapModel, 0, len(gaps))
	for i := range gaps {
		rows = append(rows, toGapModel(&gaps[i]))
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rows).Error
}

// UpdateStatus mutates the gap state machine in place; gaps are the one
// record kind that is mutated rather than superseded.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status models.GapStatus, reason string) error {
	result := r.db.WithContext(ctx).Model(&GapModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     string(status),
			"reason":     reason,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*models.ExtractionGap, error) {
	var row GapModel
	result := r.db.WithContext(ctx).First(&row, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	gap := fromGapModel(&row)
	return &gap, nil
}

func (r *Repository) ByPatient(ctx context.Context, patientID string) ([]models.ExtractionGap, error) {
	var rows []GapModel
	if err := r.db.WithContext(ctx).
		Where("patient_id = ?", patientID).
		Order("created_at asc, id asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.ExtractionGap, 0, len(rows))
	for i := range rows {
		out = append(out, fromGapModel(&rows[i]))
	}
	return out, nil
}

// PendingReview lists gaps waiting for a human, oldest first so review
// sessions drain deterministically.
func (r *Repository) PendingReview(ctx context.Context, patientID string) ([]models.ExtractionGap, error) {
	var rows []GapModel
	tx := r.db.WithContext(ctx).Where("status = ?", string(models.GapManualReview))
	if patientID != "" {
		tx = tx.Where("patient_id = ?", patientID)
	}
	if err := tx.Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.ExtractionGap, 0, len(rows))
	for i := range rows {
		out = append(out, fromGapModel(&rows[i]))
	}
	return out, nil
}

func toGapModel(g *models.ExtractionGap) GapModel {
	return GapModel{
		ID:        g.ID,
		PatientID: g.PatientID,
		EventID:   g.EventID,
		EpisodeID: g.EpisodeID,
		FieldName: g.FieldName,
		Priority:  string(g.Priority),
		Status:    string(g.Status),
		Reason:    g.Reason,
		CreatedAt: g.CreatedAt,
		UpdatedAt: g.UpdatedAt,
	}
}

func fromGapModel(m *GapModel) models.ExtractionGap {
	return models.ExtractionGap{
		ID:        m.ID,
		PatientID: m.PatientID,
		EventID:   m.EventID,
		EpisodeID: m.EpisodeID,
		FieldName: m.FieldName,
		Priority:  models.GapPriority(m.Priority),
		Status:    models.GapStatus(m.Status),
		Reason:    m.Reason,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
