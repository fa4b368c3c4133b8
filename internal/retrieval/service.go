package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/studyroomhq/pagecache/internal/document"
	"github.com/studyroomhq/pagecache/internal/models"
	"github.com/studyroomhq/pagecache/internal/pagecache"
	"github.com/studyroomhq/pagecache/internal/storage"
)

// ErrPendingConversion means only placeholder or stale rows exist and a real
// conversion has not produced servable pages yet.
var ErrPendingConversion = errors.New("page conversion pending")

// PageReader is the slice of the page cache store the read path uses.
type PageReader interface {
	HasFreshPages(ctx context.Context, docID uuid.UUID) (bool, error)
	PageURLs(ctx context.Context, docID uuid.UUID, signTTL time.Duration) (*pagecache.PageURLSet, error)
	PagePath(ctx context.Context, docID uuid.UUID, pageNumber int) (string, models.PageFormat, error)
	Stats(ctx context.Context, docID uuid.UUID) (*pagecache.CacheStats, error)
	HasPlaceholders(ctx context.Context, docID uuid.UUID) (bool, error)
}

// Converter triggers an on-demand conversion (or attaches to one in flight).
type Converter interface {
	Convert(ctx context.Context, docID uuid.UUID) (*models.ConversionJob, error)
}

// Resolver maps a document reference to its row.
type Resolver interface {
	Resolve(ctx context.Context, ref document.Ref) (*models.Document, error)
}

// Jobs exposes read access to conversion history for diagnostics.
type Jobs interface {
	Latest(ctx context.Context, docID uuid.UUID) (*models.ConversionJob, error)
	Active(ctx context.Context, docID uuid.UUID) (*models.ConversionJob, error)
}

// Memo caches resolved page-URL sets for the fast path. Optional; entries are
// invalidated by the conversion orchestrator when the page set is replaced.
type Memo interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type PageSet struct {
	TotalPages int                 `json:"total_pages"`
	Pages      []pagecache.PageURL `json:"pages"`
	Cached     bool                `json:"cached"`
}

type DiagnoseReport struct {
	HasPages          bool     `json:"has_pages"`
	StorageAccessible bool     `json:"storage_accessible"`
	Issues            []string `json:"issues"`
	Recommendations   []string `json:"recommendations"`
}

// Service is the single read-path entry point for viewers.
type Service struct {
	resolver  Resolver
	pages     PageReader
	converter Converter
	jobs      Jobs
	blobs     storage.Storage
	bucket    string
	memo      Memo
	signTTL   time.Duration
}

func NewService(resolver Resolver, pages PageReader, converter Converter, jobs Jobs, blobs storage.Storage, bucket string, memo Memo, signTTL time.Duration) *Service {
	if signTTL <= 0 {
		signTTL = time.Hour
	}
	return &Service{
		resolver:  resolver,
		pages:     pages,
		converter: converter,
		jobs:      jobs,
		blobs:     blobs,
		bucket:    bucket,
		memo:      memo,
		signTTL:   signTTL,
	}
}

// GetPages returns signed URLs for every page, converting on demand when the
// cache is missing, stale or partial. Placeholder rows never count as a hit.
func (s *Service) GetPages(ctx context.Context, ref document.Ref) (*PageSet, error) {
	doc, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	fresh, err := s.pages.HasFreshPages(ctx, doc.ID)
	if err != nil {
		return nil, err
	}

	if fresh {
		if set := s.memoGet(ctx, doc.ID); set != nil {
			return &PageSet{TotalPages: set.TotalPages, Pages: set.Pages, Cached: true}, nil
		}
		set, err := s.pages.PageURLs(ctx, doc.ID, s.signTTL)
		if err == nil {
			s.memoSet(ctx, doc.ID, set)
			return &PageSet{TotalPages: set.TotalPages, Pages: set.Pages, Cached: true}, nil
		}
		if !errors.Is(err, pagecache.ErrNoFreshPages) {
			return nil, err
		}
		// Raced with an expiry; fall through to conversion.
	}

	if placeholders, perr := s.pages.HasPlaceholders(ctx, doc.ID); perr == nil && placeholders {
		slog.Warn("placeholder pages present, forcing real conversion", "document_id", doc.ID)
	}

	if _, err := s.converter.Convert(ctx, doc.ID); err != nil {
		return nil, err
	}

	set, err := s.pages.PageURLs(ctx, doc.ID, s.signTTL)
	if err != nil {
		return nil, fmt.Errorf("read pages after conversion: %w", err)
	}
	s.memoSet(ctx, doc.ID, set)

	return &PageSet{TotalPages: set.TotalPages, Pages: set.Pages, Cached: false}, nil
}

// GetPage streams one page image. It does not trigger conversion: a missing
// page is reported as pending so the caller can hit the pages endpoint.
func (s *Service) GetPage(ctx context.Context, ref document.Ref, pageNumber int) (io.ReadCloser, string, error) {
	doc, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, "", err
	}

	path, format, err := s.pages.PagePath(ctx, doc.ID, pageNumber)
	if errors.Is(err, pagecache.ErrNoFreshPages) {
		return nil, "", fmt.Errorf("%w: page %d of document %s", ErrPendingConversion, pageNumber, doc.ID)
	}
	if err != nil {
		return nil, "", err
	}

	rc, err := s.blobs.Download(ctx, s.bucket, path)
	if err != nil {
		return nil, "", fmt.Errorf("download page %d: %w", pageNumber, err)
	}
	return rc, format.ContentType(), nil
}

// Diagnose produces a read-only health report for the retry/alerting loop.
func (s *Service) Diagnose(ctx context.Context, ref document.Ref) (*DiagnoseReport, error) {
	doc, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	report := &DiagnoseReport{Issues: []string{}, Recommendations: []string{}}

	stats, err := s.pages.Stats(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	report.HasPages = stats.TotalPages > 0

	prefix := fmt.Sprintf("%s/%s", doc.OwnerID, doc.ID)
	if _, lerr := s.blobs.List(ctx, s.bucket, prefix); lerr != nil {
		report.StorageAccessible = false
		report.Issues = append(report.Issues, fmt.Sprintf("storage listing failed: %v", lerr))
		report.Recommendations = append(report.Recommendations, "check object storage availability and credentials")
	} else {
		report.StorageAccessible = true
	}

	if placeholders, perr := s.pages.HasPlaceholders(ctx, doc.ID); perr == nil && placeholders {
		report.Issues = append(report.Issues, "placeholder page records present; they are never served")
		report.Recommendations = append(report.Recommendations, "trigger a real conversion to replace placeholder records")
	}

	if report.HasPages {
		fresh, ferr := s.pages.HasFreshPages(ctx, doc.ID)
		if ferr == nil && !fresh {
			report.Issues = append(report.Issues, "cached pages are expired or incomplete")
			report.Recommendations = append(report.Recommendations, "reconvert the document to refresh the page cache")
		}
	} else {
		report.Issues = append(report.Issues, "no cached pages")
		report.Recommendations = append(report.Recommendations, "request the pages endpoint to convert on demand")
	}

	if latest, jerr := s.jobs.Latest(ctx, doc.ID); jerr == nil && latest != nil && latest.Status == models.JobFailed {
		kind := ""
		if latest.ErrorKind != nil {
			kind = *latest.ErrorKind
		}
		report.Issues = append(report.Issues, fmt.Sprintf("last conversion failed (%s)", kind))
		if latest.Warning != nil {
			report.Issues = append(report.Issues, *latest.Warning)
		}
	}

	return report, nil
}

func (s *Service) memoGet(ctx context.Context, docID uuid.UUID) *pagecache.PageURLSet {
	if s.memo == nil {
		return nil
	}
	var set pagecache.PageURLSet
	if err := s.memo.Get(ctx, pagecache.MemoKey(docID), &set); err != nil {
		return nil
	}
	if len(set.Pages) == 0 {
		return nil
	}
	return &set
}

func (s *Service) memoSet(ctx context.Context, docID uuid.UUID, set *pagecache.PageURLSet) {
	if s.memo == nil {
		return
	}
	// Memoized URLs must expire well before their signatures do.
	ttl := s.signTTL / 4
	if ttl > 5*time.Minute {
		ttl = 5 * time.Minute
	}
	if err := s.memo.Set(ctx, pagecache.MemoKey(docID), set, ttl); err != nil {
		slog.Warn("memoize page set", "document_id", docID, "error", err)
	}
}
