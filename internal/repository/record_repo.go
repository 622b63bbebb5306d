package repository

import (
	"context"

	"github.com/timmy/stratum/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordRepository handles consolidated entity records.
type RecordRepository struct {
	db *gorm.DB
}

// NewRecordRepository creates a new RecordRepository.
func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// Upsert creates or updates records keyed by their (document, kind, code)
// identity, so re-running a job refreshes records instead of duplicating
// them.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - records: consolidated records to create or update.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *RecordRepository) Upsert(ctx context.Context, records []domain.ConsolidatedRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "document_ref"}, {Name: "kind"}, {Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"job_id", "fields", "units", "confidence", "has_images", "primary_image_id", "updated_at",
		}),
	}).Create(&records).Error
}

// GetByIdentity retrieves one record by its natural key.
func (r *RecordRepository) GetByIdentity(ctx context.Context, documentRef, kind, code string) (*domain.ConsolidatedRecord, error) {
	var record domain.ConsolidatedRecord
	if err := r.db.WithContext(ctx).
		First(&record, "document_ref = ? AND kind = ? AND code = ?", documentRef, kind, code).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// ListByJob retrieves the records a job produced, optionally filtered by
// kind.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: producing job ID.
//   - kind: entity kind to filter by; empty means all.
//   - limit: maximum number of records to return.
//   - offset: number of records to skip.
// Returns:
//   - []domain.ConsolidatedRecord: matching records.
//   - error: non-nil if the query fails.
func (r *RecordRepository) ListByJob(ctx context.Context, jobID, kind string, limit, offset int) ([]domain.ConsolidatedRecord, error) {
	var records []domain.ConsolidatedRecord
	query := r.db.WithContext(ctx).Where("job_id = ?", jobID)
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	if err := query.
		Limit(limit).
		Offset(offset).
		Order("code ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// CountByJobAndKind counts a job's records grouped by kind.
func (r *RecordRepository) CountByJobAndKind(ctx context.Context, jobID string) (domain.CountMap, error) {
	type row struct {
		Kind  string
		Total int
	}
	var rows []row
	if err := r.db.WithContext(ctx).
		Model(&domain.ConsolidatedRecord{}).
		Select("kind, count(*) as total").
		Where("job_id = ?", jobID).
		Group("kind").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := domain.CountMap{}
	for _, r := range rows {
		counts[r.Kind] = r.Total
	}
	return counts, nil
}
