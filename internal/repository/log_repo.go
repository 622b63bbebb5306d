package repository

import (
	"context"

	"github.com/timmy/stratum/internal/domain"
	"gorm.io/gorm"
)

// LogRepository handles the append-only job log.
type LogRepository struct {
	db *gorm.DB
}

// NewLogRepository creates a new LogRepository.
func NewLogRepository(db *gorm.DB) *LogRepository {
	return &LogRepository{db: db}
}

// Append adds one log event to a job's history.
func (r *LogRepository) Append(ctx context.Context, entry *domain.JobLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// ListByJob retrieves a job's log events in chronological order.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job whose events to list.
//   - level: severity to filter by; empty means all.
//   - limit: maximum number of events to return; 0 means all.
// Returns:
//   - []domain.JobLog: matching log events.
//   - error: non-nil if the query fails.
func (r *LogRepository) ListByJob(ctx context.Context, jobID string, level domain.LogLevel, limit int) ([]domain.JobLog, error) {
	var logs []domain.JobLog
	query := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id ASC")
	if level != "" {
		query = query.Where("level = ?", level)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
