// Database models for background jobs
package db

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Job represents a background job (export/import/bulk delete). ClientKey is a
// client-generated idempotency key; ID is issued by the job backend. A job
// scheduled optimistically carries only ClientKey until the backend confirms.
type Job struct {
	ID        string `json:"id" gorm:"primaryKey;size:36"`
	ClientKey string `json:"client_key" gorm:"uniqueIndex;size:36;not null"`

	Type   string `json:"type" gorm:"size:20;not null"`              // export, import, bulk_delete
	Status string `json:"status" gorm:"size:20;default:'scheduled'"` // scheduled, running, completed, failed, canceled

	Processed int `json:"processed"`
	Total     int `json:"total"`

	Error  string     `json:"error,omitempty" gorm:"type:text"`
	Result *JobResult `json:"result,omitempty" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (*Job) TableName() string {
	return "jobs"
}

// Job types
const (
	JobTypeExport     = "export"
	JobTypeImport     = "import"
	JobTypeBulkDelete = "bulk_delete"
)

// Job status
const (
	JobStatusScheduled = "scheduled"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCanceled  = "canceled"
)

// IsTerminalJobStatus reports whether a job status is final.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// JobResult is the optional payload a finished job produces (e.g. the path of
// an export archive or counts from an import).
type JobResult struct {
	FilePath string `json:"file_path,omitempty"`
	Imported int    `json:"imported,omitempty"`
	Deleted  int    `json:"deleted,omitempty"`
}

// Value implements driver.Valuer for database storage
func (r *JobResult) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

// Scan implements sql.Scanner for database retrieval
func (r *JobResult) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, r)
}
