package domain

import "time"

// LogLevel is the severity of a job log event.
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// JobLog is one immutable, append-only log event attached to a job.
// The sequence of a job's log events is its sole failure/progress detail
// channel; events are never mutated or removed.
type JobLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID     string    `gorm:"type:text;not null;index" json:"job_id"`
	Level     LogLevel  `gorm:"type:text;not null" json:"level"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for JobLog.
func (JobLog) TableName() string {
	return "job_logs"
}
