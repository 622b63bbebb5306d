package repository

import (
	"context"

	"github.com/timmy/stratum/internal/domain"
	"gorm.io/gorm"
)

// JobRepository handles extraction job records.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *JobRepository: repository instance bound to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job record.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job record to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// Update persists all fields of an existing job record.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job record with updated fields.
// Returns:
//   - error: non-nil if the update fails.
func (r *JobRepository) Update(ctx context.Context, job *domain.Job) error {
	return r.db.WithContext(ctx).Save(job).Error
}

// GetByID retrieves a job by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
// Returns:
//   - *domain.Job: job record if found.
//   - error: non-nil if lookup fails.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// List retrieves jobs ordered by creation time, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - status: job status to filter by; empty means all.
//   - limit: maximum number of records to return.
//   - offset: number of records to skip.
// Returns:
//   - []domain.Job: matching job records.
//   - error: non-nil if the query fails.
func (r *JobRepository) List(ctx context.Context, status domain.JobStatus, limit, offset int) ([]domain.Job, error) {
	var jobs []domain.Job
	query := r.db.WithContext(ctx)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.
		Limit(limit).
		Offset(offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListByStatus retrieves jobs in a given status, oldest first. Used on
// startup to requeue work that was pending when the process stopped.
func (r *JobRepository) ListByStatus(ctx context.Context, status domain.JobStatus) ([]domain.Job, error) {
	var jobs []domain.Job
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// CountByStatus counts jobs by status.
func (r *JobRepository) CountByStatus(ctx context.Context, status domain.JobStatus) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Job{}).Where("status = ?", status).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
