package domain

import "time"

// Entity kinds known to the default templates. Template refs may name any
// subset; kinds are plain strings so new templates need no code change.
const (
	KindSite    = "site"
	KindPeriod  = "period"
	KindPottery = "pottery"
	KindJade    = "jade"
)

// PartialRecord is one entity observation extracted from exactly one text
// unit. It is immutable; the merger consumes groups of these and the unit
// name survives on the consolidated result as provenance.
type PartialRecord struct {
	Kind       string   `json:"kind"`
	Code       string   `json:"code"`
	Fields     FieldMap `json:"fields"`
	Unit       string   `json:"unit"`
	Confidence float64  `json:"confidence"`
}

// ConfidenceOrDefault returns the extraction confidence, defaulting to 1.0
// when the extractor did not report one.
func (p PartialRecord) ConfidenceOrDefault() float64 {
	if p.Confidence <= 0 {
		return 1.0
	}
	return p.Confidence
}

// ConsolidatedRecord is the single authoritative record per identifying code
// within one document and entity kind, merged from all partial records
// sharing that code.
type ConsolidatedRecord struct {
	ID             string      `gorm:"type:text;primaryKey" json:"id"`
	JobID          string      `gorm:"type:text;index" json:"job_id"`
	DocumentRef    string      `gorm:"type:text;not null;uniqueIndex:idx_records_identity" json:"document_ref"`
	Kind           string      `gorm:"type:text;not null;uniqueIndex:idx_records_identity" json:"kind"`
	Code           string      `gorm:"type:text;not null;uniqueIndex:idx_records_identity" json:"code"`
	Fields         FieldMap    `gorm:"type:text" json:"fields"`
	Units          StringArray `gorm:"type:text" json:"units"`
	Confidence     float64     `json:"confidence"`
	HasImages      bool        `gorm:"default:false" json:"has_images"`
	PrimaryImageID string      `gorm:"type:text" json:"primary_image_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TableName returns the database table name for ConsolidatedRecord.
func (ConsolidatedRecord) TableName() string {
	return "consolidated_records"
}
