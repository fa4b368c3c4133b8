package convert

import (
	"context"
	"errors"
	"fmt"

	"github.com/studyroomhq/pagecache/internal/rasterizer"
	"github.com/studyroomhq/pagecache/internal/storage"
)

var (
	// ErrSourceNotFound means the original document blob is missing. Fatal
	// for this attempt; only a re-upload can fix it.
	ErrSourceNotFound = errors.New("source document blob not found")
	// ErrConversionFailed wraps storage-write failures during writePages.
	ErrConversionFailed = errors.New("conversion failed")
	// ErrConversionExhausted means the retry budget is spent.
	ErrConversionExhausted = errors.New("conversion retries exhausted")
)

// Stable error kinds persisted on conversion_jobs.error_kind.
const (
	KindSourceNotFound    = "source_not_found"
	KindCorruptSource     = "corrupt_source"
	KindUnsupportedFormat = "unsupported_format"
	KindResourceExhausted = "resource_exhausted"
	KindConversionFailed  = "conversion_failed"
)

// Classify maps an error to its persisted kind.
func Classify(err error) string {
	switch {
	case errors.Is(err, ErrSourceNotFound), errors.Is(err, storage.ErrObjectNotFound):
		return KindSourceNotFound
	case errors.Is(err, rasterizer.ErrCorruptSource), errors.Is(err, rasterizer.ErrNoPages):
		return KindCorruptSource
	case errors.Is(err, rasterizer.ErrUnsupportedFormat):
		return KindUnsupportedFormat
	case errors.Is(err, rasterizer.ErrResourceExhausted), errors.Is(err, context.DeadlineExceeded):
		return KindResourceExhausted
	default:
		return KindConversionFailed
	}
}

// Retryable reports whether a failure kind is worth another attempt.
// Missing, corrupt and encrypted sources cannot heal on retry.
func Retryable(kind string) bool {
	switch kind {
	case KindResourceExhausted, KindConversionFailed:
		return true
	default:
		return false
	}
}

// ErrorForKind rebuilds the sentinel for a persisted kind, so callers that
// attached to an in-flight job see the same error the converting caller saw.
func ErrorForKind(kind, msg string) error {
	base := map[string]error{
		KindSourceNotFound:    ErrSourceNotFound,
		KindCorruptSource:     rasterizer.ErrCorruptSource,
		KindUnsupportedFormat: rasterizer.ErrUnsupportedFormat,
		KindResourceExhausted: rasterizer.ErrResourceExhausted,
	}[kind]
	if base == nil {
		base = ErrConversionFailed
	}
	if msg == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}

// UserMessage translates a failure kind into an actionable message for the
// viewer. Terminal kinds tell the user what to do instead of spinning.
func UserMessage(kind string) string {
	switch kind {
	case KindSourceNotFound:
		return "The original file is missing. Please upload the document again."
	case KindCorruptSource:
		return "The file may be corrupted and could not be converted."
	case KindUnsupportedFormat:
		return "The file may be password-protected or in an unsupported format."
	case KindResourceExhausted:
		return "The document is too large to convert right now. Please retry."
	default:
		return "Conversion failed. Please retry."
	}
}
