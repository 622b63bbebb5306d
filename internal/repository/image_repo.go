package repository

import (
	"context"

	"github.com/timmy/stratum/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ImageRepository handles indexed report images and their links to records.
type ImageRepository struct {
	db *gorm.DB
}

// NewImageRepository creates a new ImageRepository.
func NewImageRepository(db *gorm.DB) *ImageRepository {
	return &ImageRepository{db: db}
}

// SaveAll inserts image descriptors, ignoring those already indexed for the
// same document. Image hashes are stable across runs, so re-indexing the
// same report is a no-op.
func (r *ImageRepository) SaveAll(ctx context.Context, images []domain.ImageDescriptor) error {
	if len(images) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_ref"}, {Name: "hash"}},
		DoNothing: true,
	}).Create(&images).Error
}

// GetByID retrieves an image descriptor by ID.
func (r *ImageRepository) GetByID(ctx context.Context, id string) (*domain.ImageDescriptor, error) {
	var img domain.ImageDescriptor
	if err := r.db.WithContext(ctx).First(&img, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &img, nil
}

// ListByDocument retrieves all images indexed for a document.
func (r *ImageRepository) ListByDocument(ctx context.Context, documentRef string) ([]domain.ImageDescriptor, error) {
	var images []domain.ImageDescriptor
	if err := r.db.WithContext(ctx).
		Where("document_ref = ?", documentRef).
		Order("page ASC").
		Find(&images).Error; err != nil {
		return nil, err
	}
	return images, nil
}

// SaveLinks inserts record-image links, replacing the link on conflict so a
// re-run can revise confidence and display order.
func (r *ImageRepository) SaveLinks(ctx context.Context, links []domain.ArtifactImageLink) error {
	if len(links) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_id"}, {Name: "image_id"}, {Name: "role"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_order", "confidence", "method"}),
	}).Create(&links).Error
}

// ListLinksByRecord retrieves a record's image links in display order.
func (r *ImageRepository) ListLinksByRecord(ctx context.Context, recordID string) ([]domain.ArtifactImageLink, error) {
	var links []domain.ArtifactImageLink
	if err := r.db.WithContext(ctx).
		Where("record_id = ?", recordID).
		Order("display_order ASC").
		Find(&links).Error; err != nil {
		return nil, err
	}
	return links, nil
}
