package domain

import "time"

// JobStatus represents the status of a processing job.
// Values include JobStatusQueued, JobStatusProcessing, JobStatusCompleted, and JobStatusFailed.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are expected.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job tracks one queued task from enqueue to its terminal state.
type Job struct {
	JobID        string     `gorm:"column:job_id;type:text;primaryKey" json:"job_id"`
	DocumentID   string     `gorm:"type:text;not null;index" json:"document_id"`
	UserID       string     `gorm:"type:text" json:"user_id,omitempty"`
	Kind         JobKind    `gorm:"type:text;not null" json:"kind"`
	Status       JobStatus  `gorm:"type:text;index;default:queued" json:"status"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Job.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Job) TableName() string {
	return "jobs"
}
