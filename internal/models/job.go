package models

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// ConversionJob tracks one conversion attempt for a document. A partial
// unique index on (document_id) WHERE status IN ('queued','processing')
// guarantees at most one active job per document across processes.
type ConversionJob struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	DocumentID     uuid.UUID  `json:"document_id" db:"document_id"`
	Status         JobStatus  `json:"status" db:"status"`
	Progress       int        `json:"progress" db:"progress"`
	RetryCount     int        `json:"retry_count" db:"retry_count"`
	TotalPages     int        `json:"total_pages" db:"total_pages"`
	ProcessedPages int        `json:"processed_pages" db:"processed_pages"`
	ErrorKind      *string    `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage   *string    `json:"error_message,omitempty" db:"error_message"`
	Warning        *string    `json:"warning,omitempty" db:"warning"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Terminal reports whether the job has reached a final state.
func (j *ConversionJob) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}
