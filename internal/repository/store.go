package repository

import (
	"context"

	"github.com/timmy/stratum/internal/domain"
	"gorm.io/gorm"
)

// Store bundles the repositories behind the persistence interfaces the
// scheduler and pipeline depend on, so the whole database side can be
// swapped for an in-memory registry in tests.
type Store struct {
	Jobs    *JobRepository
	Records *RecordRepository
	Images  *ImageRepository
	Logs    *LogRepository
}

// NewStore creates a Store over one database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		Jobs:    NewJobRepository(db),
		Records: NewRecordRepository(db),
		Images:  NewImageRepository(db),
		Logs:    NewLogRepository(db),
	}
}

// CreateJob persists a newly submitted job.
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	return s.Jobs.Create(ctx, job)
}

// UpdateJob persists a job state change.
func (s *Store) UpdateJob(ctx context.Context, job *domain.Job) error {
	return s.Jobs.Update(ctx, job)
}

// AppendLog appends one job log event.
func (s *Store) AppendLog(ctx context.Context, entry *domain.JobLog) error {
	return s.Logs.Append(ctx, entry)
}

// UpsertRecords persists a batch of consolidated records.
func (s *Store) UpsertRecords(ctx context.Context, records []domain.ConsolidatedRecord) error {
	return s.Records.Upsert(ctx, records)
}

// SaveImages persists indexed image descriptors.
func (s *Store) SaveImages(ctx context.Context, images []domain.ImageDescriptor) error {
	return s.Images.SaveAll(ctx, images)
}

// SaveLinks persists record-image links.
func (s *Store) SaveLinks(ctx context.Context, links []domain.ArtifactImageLink) error {
	return s.Images.SaveLinks(ctx, links)
}
