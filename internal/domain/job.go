package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// JobStatus represents the status of an extraction job.
// A job is created pending, claimed into running by a worker, and ends in
// exactly one of completed, failed, or cancelled. Terminal states never
// transition again; a retry is a new job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// TemplateRefs maps entity kind to a template reference (spreadsheet path).
// Any subset of kinds may be present; a missing kind skips that extraction.
type TemplateRefs map[string]string

// Value implements the driver.Valuer interface for database serialization.
func (t TemplateRefs) Value() (driver.Value, error) {
	if t == nil {
		return "{}", nil
	}
	return json.Marshal(t)
}

// Scan implements the sql.Scanner interface for database deserialization.
func (t *TemplateRefs) Scan(value interface{}) error {
	if value == nil {
		*t = TemplateRefs{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan TemplateRefs")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, t)
}

// Job represents one extraction run over one document and a set of entity
// templates. The scheduler owns its state; status changes only through the
// defined transitions.
type Job struct {
	ID          string       `gorm:"type:text;primaryKey" json:"id"`
	DocumentRef string       `gorm:"type:text;not null;index" json:"document_ref"`
	Templates   TemplateRefs `gorm:"type:text" json:"templates"`
	Status      JobStatus    `gorm:"type:text;index;default:pending" json:"status"`
	Counts      CountMap     `gorm:"type:text" json:"counts"`
	ImageCount  int          `gorm:"default:0" json:"image_count"`
	Notes       string       `gorm:"type:text" json:"notes,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string {
	return "extraction_jobs"
}
