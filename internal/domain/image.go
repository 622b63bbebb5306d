package domain

import "time"

// ImageDescriptor is one catalogued report image with positional metadata.
// Immutable once indexed; the linker reads it, never writes it.
type ImageDescriptor struct {
	ID          string     `gorm:"type:text;primaryKey" json:"id"`
	DocumentRef string     `gorm:"type:text;not null;uniqueIndex:idx_images_identity" json:"document_ref"`
	Hash        string     `gorm:"type:text;not null;uniqueIndex:idx_images_identity" json:"hash"`
	Path        string     `gorm:"type:text" json:"path"`
	Page        int        `json:"page"`
	BBox        FloatArray `gorm:"type:text" json:"bbox"`
	Caption     string     `gorm:"type:text" json:"caption"`
	NearbyText  string     `gorm:"type:text" json:"nearby_text"`
	FileSize    int64      `json:"file_size"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TableName returns the database table name for ImageDescriptor.
func (ImageDescriptor) TableName() string {
	return "images"
}

// ImageRole classifies what a linked image shows of the record.
type ImageRole string

const (
	RolePhoto   ImageRole = "photo"
	RoleDetail  ImageRole = "detail"
	RoleDrawing ImageRole = "drawing"
	RoleContext ImageRole = "context"
)

// MatchMethod records which linking strategy produced a link.
type MatchMethod string

const (
	MatchReference MatchMethod = "figure_reference"
	MatchCode      MatchMethod = "code_proximity"
	MatchKeyword   MatchMethod = "keyword"
	MatchUnit      MatchMethod = "unit_fallback"
	MatchManual    MatchMethod = "manual"
)

// ArtifactImageLink associates one consolidated record with one image.
// At most one link exists per (record, image, role) triple.
type ArtifactImageLink struct {
	ID           string      `gorm:"type:text;primaryKey" json:"id"`
	RecordID     string      `gorm:"type:text;not null;uniqueIndex:idx_links_identity" json:"record_id"`
	ImageID      string      `gorm:"type:text;not null;uniqueIndex:idx_links_identity" json:"image_id"`
	Role         ImageRole   `gorm:"type:text;not null;uniqueIndex:idx_links_identity" json:"role"`
	DisplayOrder int         `json:"display_order"`
	Confidence   float64     `json:"confidence"`
	Method       MatchMethod `gorm:"type:text" json:"method"`
	CreatedAt    time.Time   `json:"created_at"`
}

// TableName returns the database table name for ArtifactImageLink.
func (ArtifactImageLink) TableName() string {
	return "artifact_image_links"
}
