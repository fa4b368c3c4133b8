package rasterizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"image/png"
	"strings"

	fitz "github.com/gen2brain/go-fitz"
	"github.com/ledongthuc/pdf"

	"github.com/studyroomhq/pagecache/internal/models"
)

// FitzRasterizer renders PDF pages with MuPDF via go-fitz.
type FitzRasterizer struct{}

func NewFitzRasterizer() *FitzRasterizer {
	return &FitzRasterizer{}
}

func (r *FitzRasterizer) Rasterize(ctx context.Context, data []byte, opts Options) ([]Page, error) {
	if err := preflight(data); err != nil {
		return nil, err
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSource, err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, ErrNoPages
	}

	pages := make([]Page, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: page %d of %d: %v", ErrResourceExhausted, i+1, pageCount, err)
			}
			return nil, err
		}

		img, err := doc.ImageDPI(i, float64(opts.DPI))
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", i+1, err)
		}

		var buf bytes.Buffer
		switch opts.Format {
		case models.FormatPNG:
			err = png.Encode(&buf, img)
		default:
			err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: opts.JPEGQuality})
		}
		if err != nil {
			return nil, fmt.Errorf("encode page %d: %w", i+1, err)
		}

		pages = append(pages, Page{Bytes: buf.Bytes(), Format: opts.Format})
	}

	return pages, nil
}

// preflight opens the PDF with a cheap pure-Go reader before handing the
// bytes to MuPDF, so encrypted and truncated files fail with a stable error
// kind instead of an opaque render failure.
func preflight(data []byte) (err error) {
	// The reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCorruptSource, r)
		}
	}()

	reader, rerr := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if rerr != nil {
		if strings.Contains(strings.ToLower(rerr.Error()), "encrypted") {
			return fmt.Errorf("%w: %v", ErrUnsupportedFormat, rerr)
		}
		return fmt.Errorf("%w: %v", ErrCorruptSource, rerr)
	}

	if reader.NumPage() == 0 {
		return ErrNoPages
	}
	return nil
}
