package pagecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/studyroomhq/pagecache/internal/models"
	"github.com/studyroomhq/pagecache/internal/rasterizer"
	"github.com/studyroomhq/pagecache/internal/storage"
)

// ErrNoFreshPages is returned when a document has no servable cached pages.
// Expired and placeholder rows count as misses.
var ErrNoFreshPages = errors.New("no fresh cached pages")

// MemoKey names the memoized signed-URL set for a document. Both the reader
// that fills the memo and the writer that invalidates it derive the key here.
func MemoKey(docID uuid.UUID) string {
	return "pageset:" + docID.String()
}

type PageURL struct {
	Number int    `json:"page_number"`
	URL    string `json:"url"`
}

type PageURLSet struct {
	Version    int       `json:"version"`
	TotalPages int       `json:"total_pages"`
	Pages      []PageURL `json:"pages"`
}

type CacheStats struct {
	TotalPages     int       `json:"total_pages"`
	TotalSizeBytes int64     `json:"total_size_bytes"`
	NewestPage     time.Time `json:"newest_page"`
}

// Store is the authoritative record of rendered pages and the freshness
// oracle for the read path.
type Store struct {
	db     *pgxpool.Pool
	blobs  storage.Storage
	bucket string
}

func NewStore(db *pgxpool.Pool, blobs storage.Storage, bucket string) *Store {
	return &Store{db: db, blobs: blobs, bucket: bucket}
}

// HasFreshPages reports whether every page of the document is cached and
// unexpired. Partial sets are not fresh: serving half a document is worse
// than reconverting it.
func (s *Store) HasFreshPages(ctx context.Context, docID uuid.UUID) (bool, error) {
	var freshCount, totalCount, maxPage int
	err := s.db.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE expires_at > now() AND generation_method = 'standard'),
			COUNT(*),
			COALESCE(MAX(page_number), 0)
		 FROM page_cache WHERE document_id = $1`,
		docID,
	).Scan(&freshCount, &totalCount, &maxPage)
	if err != nil {
		return false, fmt.Errorf("count fresh pages: %w", err)
	}

	return freshSet(freshCount, totalCount, maxPage), nil
}

// freshSet decides whether a cached set is servable as a whole. Every row must
// be fresh and the fresh rows must cover page 1..maxPage with no gaps.
func freshSet(freshCount, totalCount, maxPage int) bool {
	return freshCount > 0 && freshCount == totalCount && freshCount == maxPage
}

// PageURLs resolves every fresh page to a time-limited signed URL, ascending
// by page number, and bumps the hit counter.
func (s *Store) PageURLs(ctx context.Context, docID uuid.UUID, signTTL time.Duration) (*PageURLSet, error) {
	rows, err := s.db.Query(ctx,
		`SELECT page_number, blob_path, version
		 FROM page_cache
		 WHERE document_id = $1 AND expires_at > now() AND generation_method = 'standard'
		 ORDER BY page_number ASC`,
		docID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer rows.Close()

	set := &PageURLSet{}
	var paths []string
	for rows.Next() {
		var n, version int
		var path string
		if err := rows.Scan(&n, &path, &version); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		set.Version = version
		set.Pages = append(set.Pages, PageURL{Number: n})
		paths = append(paths, path)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}

	if !contiguous(set.Pages) {
		// Empty or gapped numbering; treat as a miss so the caller reconverts.
		return nil, ErrNoFreshPages
	}
	set.TotalPages = len(set.Pages)

	for i, path := range paths {
		u, err := s.blobs.SignURL(ctx, s.bucket, path, signTTL, false)
		if err != nil {
			return nil, fmt.Errorf("sign page %d: %w", set.Pages[i].Number, err)
		}
		set.Pages[i].URL = u
	}

	if _, err := s.db.Exec(ctx,
		`UPDATE page_cache SET cache_hit_count = cache_hit_count + 1 WHERE document_id = $1`,
		docID,
	); err != nil {
		slog.Warn("bump cache hit count", "document_id", docID, "error", err)
	}

	return set, nil
}

// PagePath returns the blob path and format of a single fresh page. A row
// that exists but is expired or placeholder-generated is a miss.
func (s *Store) PagePath(ctx context.Context, docID uuid.UUID, pageNumber int) (string, models.PageFormat, error) {
	var rec models.PageCacheRecord
	err := s.db.QueryRow(ctx,
		`SELECT blob_path, format, generation_method, expires_at
		 FROM page_cache
		 WHERE document_id = $1 AND page_number = $2`,
		docID, pageNumber,
	).Scan(&rec.BlobPath, &rec.Format, &rec.GenerationMethod, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrNoFreshPages
	}
	if err != nil {
		return "", "", fmt.Errorf("get page path: %w", err)
	}
	if !rec.Fresh(time.Now()) {
		return "", "", ErrNoFreshPages
	}
	return rec.BlobPath, rec.Format, nil
}

// Stats is an aggregate read for diagnostics.
func (s *Store) Stats(ctx context.Context, docID uuid.UUID) (*CacheStats, error) {
	var stats CacheStats
	var newest *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(file_size_bytes), 0), MAX(created_at)
		 FROM page_cache WHERE document_id = $1`,
		docID,
	).Scan(&stats.TotalPages, &stats.TotalSizeBytes, &newest)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	if newest != nil {
		stats.NewestPage = *newest
	}
	return &stats, nil
}

// HasPlaceholders reports whether any placeholder rows exist for the
// document. Placeholder rows are never served; the read path reports them as
// a pending conversion instead.
func (s *Store) HasPlaceholders(ctx context.Context, docID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM page_cache WHERE document_id = $1 AND generation_method = 'placeholder')`,
		docID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check placeholders: %w", err)
	}
	return exists, nil
}

// WritePages replaces the document's cached page set with a new version.
// Blobs go under a version-tagged prefix first, then the rows are swapped
// (delete + bulk insert) inside one transaction, so readers see the old set
// or the new set but never a mix. Returns the new version.
func (s *Store) WritePages(ctx context.Context, doc *models.Document, pages []rasterizer.Page, ttl time.Duration, processingTime time.Duration) (int, error) {
	if len(pages) == 0 {
		return 0, fmt.Errorf("write pages: empty page set")
	}

	var prevVersion int
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM page_cache WHERE document_id = $1`,
		doc.ID,
	).Scan(&prevVersion)
	if err != nil {
		return 0, fmt.Errorf("read current version: %w", err)
	}
	version := prevVersion + 1

	oldPaths, err := s.blobPaths(ctx, doc.ID)
	if err != nil {
		return 0, err
	}

	newPaths, err := s.uploadVersion(ctx, doc, pages, version)
	if err != nil {
		return 0, err
	}

	procMs := processingTime.Milliseconds()
	expiresAt := time.Now().Add(ttl)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		s.cleanup(ctx, newPaths)
		return 0, fmt.Errorf("begin write tx: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM page_cache WHERE document_id = $1`, doc.ID); err != nil {
		tx.Rollback(ctx)
		s.cleanup(ctx, newPaths)
		return 0, fmt.Errorf("delete old pages: %w", err)
	}

	for i, p := range pages {
		_, err := tx.Exec(ctx,
			`INSERT INTO page_cache
				(document_id, page_number, blob_path, file_size_bytes, format, quality_level, version, generation_method, expires_at, processing_time_ms)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			doc.ID, i+1, newPaths[i], len(p.Bytes), p.Format, models.QualityStandard, version, models.GenerationStandard, expiresAt, procMs,
		)
		if err != nil {
			tx.Rollback(ctx)
			s.cleanup(ctx, newPaths)
			return 0, fmt.Errorf("insert page %d of %d: %w", i+1, len(pages), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		s.cleanup(ctx, newPaths)
		return 0, fmt.Errorf("commit write tx: %w", err)
	}

	// Old-version blobs are unreachable once the rows are gone.
	s.cleanup(ctx, oldPaths)

	return version, nil
}

// uploadVersion pushes every rendered page under the version-tagged prefix.
// On a mid-batch failure the pages already uploaded are removed so a failed
// conversion leaves no orphaned blobs behind.
func (s *Store) uploadVersion(ctx context.Context, doc *models.Document, pages []rasterizer.Page, version int) ([]string, error) {
	newPaths := make([]string, len(pages))
	for i, p := range pages {
		path := fmt.Sprintf("%s/%s/v%d/page-%d.%s", doc.OwnerID, doc.ID, version, i+1, p.Format.Ext())
		if err := s.blobs.Upload(ctx, s.bucket, path, bytes.NewReader(p.Bytes), p.Format.ContentType()); err != nil {
			s.cleanup(ctx, newPaths[:i])
			return nil, fmt.Errorf("upload page %d of %d: %w", i+1, len(pages), err)
		}
		newPaths[i] = path
	}
	return newPaths, nil
}

// contiguous reports whether pages, already ordered ascending by number,
// cover 1..n with no gaps.
func contiguous(pages []PageURL) bool {
	if len(pages) == 0 {
		return false
	}
	return pages[len(pages)-1].Number == len(pages)
}

func (s *Store) blobPaths(ctx context.Context, docID uuid.UUID) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT blob_path FROM page_cache WHERE document_id = $1`, docID)
	if err != nil {
		return nil, fmt.Errorf("query blob paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan blob path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *Store) cleanup(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		return
	}
	if err := s.blobs.Remove(ctx, s.bucket, paths...); err != nil {
		slog.Warn("cleanup blobs", "count", len(paths), "error", err)
	}
}
