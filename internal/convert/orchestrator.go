package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/studyroomhq/pagecache/internal/models"
	"github.com/studyroomhq/pagecache/internal/pagecache"
	"github.com/studyroomhq/pagecache/internal/rasterizer"
	"github.com/studyroomhq/pagecache/internal/storage"
)

// Jobs is the slice of JobStore the orchestrator needs.
type Jobs interface {
	Claim(ctx context.Context, docID uuid.UUID) (*models.ConversionJob, bool, error)
	Get(ctx context.Context, jobID uuid.UUID) (*models.ConversionJob, error)
	MarkProcessing(ctx context.Context, jobID uuid.UUID) error
	SetProgress(ctx context.Context, jobID uuid.UUID, progress, totalPages, processedPages int) error
	Complete(ctx context.Context, jobID uuid.UUID, totalPages int, warning *string) error
	Fail(ctx context.Context, jobID uuid.UUID, kind, msg string) error
}

// Documents resolves a document row and tracks its conversion status.
type Documents interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Document, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}

// Memo invalidates memoized signed-URL sets. A version swap deletes the old
// blobs, so any memo entry built before it points at dead URLs.
type Memo interface {
	Delete(ctx context.Context, keys ...string) error
}

// PageWriter atomically replaces a document's cached page set.
type PageWriter interface {
	WritePages(ctx context.Context, doc *models.Document, pages []rasterizer.Page, ttl time.Duration, processingTime time.Duration) (int, error)
}

// Orchestrator runs one document's conversion end to end: claim, download,
// rasterize, blank check, write, close the job. At most one conversion per
// document is in flight; concurrent callers attach to the active job.
type Orchestrator struct {
	jobs   Jobs
	docs   Documents
	blobs  storage.Storage
	bucket string
	raster rasterizer.Rasterizer

	pages        PageWriter
	memo         Memo
	opts         rasterizer.Options
	cacheTTL     time.Duration
	timeout      time.Duration
	pollInterval time.Duration
}

type OrchestratorConfig struct {
	Bucket       string
	Options      rasterizer.Options
	CacheTTL     time.Duration
	Timeout      time.Duration
	PollInterval time.Duration
	Memo         Memo // optional
}

func NewOrchestrator(jobs Jobs, docs Documents, blobs storage.Storage, raster rasterizer.Rasterizer, pages PageWriter, cfg OrchestratorConfig) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 7 * 24 * time.Hour
	}
	if cfg.Options.DPI == 0 {
		cfg.Options = rasterizer.DefaultOptions()
	}
	return &Orchestrator{
		jobs:         jobs,
		docs:         docs,
		blobs:        blobs,
		bucket:       cfg.Bucket,
		raster:       raster,
		pages:        pages,
		memo:         cfg.Memo,
		opts:         cfg.Options,
		cacheTTL:     cfg.CacheTTL,
		timeout:      cfg.Timeout,
		pollInterval: cfg.PollInterval,
	}
}

// Convert converts the document, or attaches to the conversion already in
// flight. It returns the terminal job; on failure the error carries the
// classified kind.
func (o *Orchestrator) Convert(ctx context.Context, docID uuid.UUID) (*models.ConversionJob, error) {
	job, claimed, err := o.jobs.Claim(ctx, docID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		if job == nil {
			return nil, fmt.Errorf("claim conversion for %s: no job available", docID)
		}
		if job.Terminal() {
			return o.terminalResult(job)
		}
		return o.await(ctx, job.ID)
	}

	return o.run(ctx, job)
}

func (o *Orchestrator) run(ctx context.Context, job *models.ConversionJob) (*models.ConversionJob, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	if err := o.jobs.MarkProcessing(ctx, job.ID); err != nil {
		return nil, err
	}
	if err := o.docs.UpdateStatus(ctx, job.DocumentID, models.DocStatusProcessing); err != nil {
		slog.Warn("update document status", "document_id", job.DocumentID, "error", err)
	}

	doc, err := o.docs.GetByID(ctx, job.DocumentID)
	if err != nil {
		return nil, o.fail(ctx, job, fmt.Errorf("load document: %w", err))
	}

	rc, err := o.blobs.Download(ctx, o.bucket, doc.FilePath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) || strings.Contains(err.Error(), "not found") {
			err = fmt.Errorf("%w: %s", ErrSourceNotFound, doc.FilePath)
		}
		return nil, o.fail(ctx, job, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, o.fail(ctx, job, fmt.Errorf("read source blob: %w", err))
	}

	if err := o.jobs.SetProgress(ctx, job.ID, 10, 0, 0); err != nil {
		slog.Warn("set job progress", "job_id", job.ID, "error", err)
	}

	start := time.Now()
	pages, err := o.raster.Rasterize(ctx, data, o.opts)
	if err != nil {
		return nil, o.fail(ctx, job, err)
	}

	report := rasterizer.Inspect(pages)
	if report.ShouldRetry() {
		slog.Warn("blank-page check failed, re-rendering",
			"document_id", doc.ID, "suspicious", len(report.SuspiciousPages), "total", report.TotalPages)
		retried, rerr := o.raster.Rasterize(ctx, data, o.opts)
		if rerr == nil {
			if next := rasterizer.Inspect(retried); len(next.SuspiciousPages) < len(report.SuspiciousPages) {
				pages, report = retried, next
			}
		}
	}

	var warning *string
	if report.Severity != rasterizer.SeverityOK {
		w := fmt.Sprintf("blank-page check %s: %d of %d pages under %d bytes",
			report.Severity, len(report.SuspiciousPages), report.TotalPages, rasterizer.SuspiciousSizeBytes)
		warning = &w
		slog.Warn("suspicious pages in conversion", "document_id", doc.ID, "severity", report.Severity, "pages", report.SuspiciousPages)
	}

	if err := o.jobs.SetProgress(ctx, job.ID, 60, len(pages), 0); err != nil {
		slog.Warn("set job progress", "job_id", job.ID, "error", err)
	}

	version, err := o.pages.WritePages(ctx, doc, pages, o.cacheTTL, time.Since(start))
	if err != nil {
		return nil, o.fail(ctx, job, fmt.Errorf("%w: %v", ErrConversionFailed, err))
	}

	// The swap deleted the previous version's blobs; memoized URL sets built
	// against them must go before anyone reads the memo again.
	o.invalidateMemo(ctx, doc.ID)

	if err := o.jobs.Complete(ctx, job.ID, len(pages), warning); err != nil {
		return nil, err
	}
	if err := o.docs.UpdateStatus(ctx, doc.ID, models.DocStatusReady); err != nil {
		slog.Warn("update document status", "document_id", doc.ID, "error", err)
	}

	slog.Info("conversion completed",
		"document_id", doc.ID, "pages", len(pages), "version", version,
		"duration_ms", time.Since(start).Milliseconds())

	return o.jobs.Get(ctx, job.ID)
}

// fail records the classified failure on the job and returns the original
// error. The job row is updated with a background context so a deadline that
// killed the conversion cannot also block the bookkeeping.
func (o *Orchestrator) fail(ctx context.Context, job *models.ConversionJob, err error) error {
	kind := Classify(err)

	failCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		failCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if ferr := o.jobs.Fail(failCtx, job.ID, kind, err.Error()); ferr != nil {
		slog.Error("record job failure", "job_id", job.ID, "error", ferr)
	}
	if serr := o.docs.UpdateStatus(failCtx, job.DocumentID, models.DocStatusFailed); serr != nil {
		slog.Warn("update document status", "document_id", job.DocumentID, "error", serr)
	}

	slog.Error("conversion failed", "document_id", job.DocumentID, "kind", kind, "error", err)
	return err
}

func (o *Orchestrator) invalidateMemo(ctx context.Context, docID uuid.UUID) {
	if o.memo == nil {
		return
	}
	if err := o.memo.Delete(ctx, pagecache.MemoKey(docID)); err != nil {
		slog.Warn("invalidate memoized page set", "document_id", docID, "error", err)
	}
}

// await polls an in-flight job to a terminal state and returns its outcome.
func (o *Orchestrator) await(ctx context.Context, jobID uuid.UUID) (*models.ConversionJob, error) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		job, err := o.jobs.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return o.terminalResult(job)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) terminalResult(job *models.ConversionJob) (*models.ConversionJob, error) {
	if job.Status == models.JobFailed {
		kind, msg := "", ""
		if job.ErrorKind != nil {
			kind = *job.ErrorKind
		}
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		return job, ErrorForKind(kind, msg)
	}
	return job, nil
}
