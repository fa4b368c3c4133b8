package rasterizer

import (
	"context"
	"errors"

	"github.com/studyroomhq/pagecache/internal/models"
)

var (
	// ErrCorruptSource indicates the input bytes are not a readable PDF.
	ErrCorruptSource = errors.New("source file is corrupt or not a PDF")
	// ErrUnsupportedFormat indicates an encrypted or otherwise unsupported PDF.
	ErrUnsupportedFormat = errors.New("source file is encrypted or unsupported")
	// ErrResourceExhausted indicates the render hit its time or memory budget.
	ErrResourceExhausted = errors.New("rasterization exceeded resource limits")
	// ErrNoPages indicates a structurally valid PDF with zero pages.
	ErrNoPages = errors.New("pdf has no pages")
)

type Options struct {
	DPI         int
	JPEGQuality int
	Format      models.PageFormat
}

// DefaultOptions returns the reference render settings: 150 DPI JPEG at
// quality 85.
func DefaultOptions() Options {
	return Options{DPI: 150, JPEGQuality: 85, Format: models.FormatJPEG}
}

// Page is one rendered page image, in source order.
type Page struct {
	Bytes  []byte
	Format models.PageFormat
}

// Rasterizer turns PDF bytes into an ordered sequence of page images. It is
// a pure transform; all storage I/O belongs to the caller.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte, opts Options) ([]Page, error)
}
