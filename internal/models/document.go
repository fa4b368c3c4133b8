package models

import (
	"time"

	"github.com/google/uuid"
)

type Document struct {
	ID            uuid.UUID `json:"id" db:"id"`
	OwnerID       uuid.UUID `json:"owner_id" db:"owner_id"`
	Title         string    `json:"title" db:"title"`
	FilePath      string    `json:"file_path,omitempty" db:"file_path"`
	FileType      string    `json:"file_type,omitempty" db:"file_type"`
	FileSizeBytes int64     `json:"file_size_bytes,omitempty" db:"file_size_bytes"`
	Status        string    `json:"status" db:"status"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

const (
	DocStatusPending    = "pending"
	DocStatusProcessing = "processing"
	DocStatusReady      = "ready"
	DocStatusFailed     = "failed"
)

type PageFormat string

const (
	FormatJPEG PageFormat = "jpeg"
	FormatPNG  PageFormat = "png"
)

// ContentType returns the MIME type stored pages are served with.
func (f PageFormat) ContentType() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// Ext returns the file extension used in blob paths.
func (f PageFormat) Ext() string {
	if f == FormatPNG {
		return "png"
	}
	return "jpg"
}

type QualityLevel string

const (
	QualityStandard QualityLevel = "standard"
	QualityHigh     QualityLevel = "high"
)

// GenerationMethod is a closed enum. Placeholder rows exist only to unblock
// manual testing and must never be served as real conversions.
type GenerationMethod string

const (
	GenerationStandard    GenerationMethod = "standard"
	GenerationPlaceholder GenerationMethod = "placeholder"
)

// PageCacheRecord is one rendered page of one document. (document_id,
// page_number) is unique; page numbers are 1-based and contiguous once a
// conversion completes.
type PageCacheRecord struct {
	ID               uuid.UUID        `json:"id" db:"id"`
	DocumentID       uuid.UUID        `json:"document_id" db:"document_id"`
	PageNumber       int              `json:"page_number" db:"page_number"`
	BlobPath         string           `json:"blob_path" db:"blob_path"`
	FileSizeBytes    int64            `json:"file_size_bytes" db:"file_size_bytes"`
	Format           PageFormat       `json:"format" db:"format"`
	QualityLevel     QualityLevel     `json:"quality_level" db:"quality_level"`
	Version          int              `json:"version" db:"version"`
	GenerationMethod GenerationMethod `json:"generation_method" db:"generation_method"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	ExpiresAt        time.Time        `json:"expires_at" db:"expires_at"`
	CacheHitCount    int64            `json:"cache_hit_count" db:"cache_hit_count"`
	ProcessingTimeMs *int64           `json:"processing_time_ms,omitempty" db:"processing_time_ms"`
}

// Fresh reports whether the record may be served as a cache hit. Expired or
// placeholder rows are always misses.
func (r *PageCacheRecord) Fresh(now time.Time) bool {
	return r.GenerationMethod == GenerationStandard && r.ExpiresAt.After(now)
}

type StudyRoomItem struct {
	ID         uuid.UUID `json:"id" db:"id"`
	MemberID   uuid.UUID `json:"member_id" db:"member_id"`
	DocumentID uuid.UUID `json:"document_id" db:"document_id"`
	AddedAt    time.Time `json:"added_at" db:"added_at"`
}
