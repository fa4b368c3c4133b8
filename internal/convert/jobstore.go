package convert

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/studyroomhq/pagecache/internal/models"
)

const jobColumns = `id, document_id, status, progress, retry_count, total_pages, processed_pages,
	error_kind, error_message, warning, started_at, completed_at, created_at`

// JobStore persists conversion jobs. The partial unique index on active jobs
// is the cross-process concurrency gate; an in-memory lock would not survive
// restarts or multiple API replicas.
type JobStore struct {
	db         *pgxpool.Pool
	maxRetries int
}

func NewJobStore(db *pgxpool.Pool, maxRetries int) *JobStore {
	return &JobStore{db: db, maxRetries: maxRetries}
}

// Claim tries to open a new job for the document. When another job is
// already queued or processing, the existing job is returned with
// claimed=false so the caller can attach to it. A failed prior job consumes
// retry budget; past the budget Claim returns ErrConversionExhausted, and
// non-retryable failures surface their original error.
func (s *JobStore) Claim(ctx context.Context, docID uuid.UUID) (*models.ConversionJob, bool, error) {
	latest, err := s.Latest(ctx, docID)
	if err != nil {
		return nil, false, err
	}

	retryCount := 0
	if latest != nil && latest.Status == models.JobFailed {
		kind := ""
		if latest.ErrorKind != nil {
			kind = *latest.ErrorKind
		}
		msg := ""
		if latest.ErrorMessage != nil {
			msg = *latest.ErrorMessage
		}
		if !Retryable(kind) {
			return nil, false, ErrorForKind(kind, msg)
		}
		if latest.RetryCount >= s.maxRetries {
			return nil, false, fmt.Errorf("%w: %d attempts for document %s", ErrConversionExhausted, latest.RetryCount+1, docID)
		}
		retryCount = latest.RetryCount + 1
	}

	var job models.ConversionJob
	err = s.db.QueryRow(ctx,
		`INSERT INTO conversion_jobs (document_id, status, retry_count)
		 VALUES ($1, 'queued', $2)
		 ON CONFLICT (document_id) WHERE status IN ('queued', 'processing') DO NOTHING
		 RETURNING `+jobColumns,
		docID, retryCount,
	).Scan(scanTargets(&job)...)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race; attach to whoever won.
		active, aerr := s.Active(ctx, docID)
		if aerr != nil {
			return nil, false, aerr
		}
		if active == nil {
			// The winner finished between our insert and this read.
			latest, lerr := s.Latest(ctx, docID)
			if lerr != nil {
				return nil, false, lerr
			}
			return latest, false, nil
		}
		return active, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim job: %w", err)
	}

	return &job, true, nil
}

// Active returns the queued or processing job for the document, or nil.
func (s *JobStore) Active(ctx context.Context, docID uuid.UUID) (*models.ConversionJob, error) {
	var job models.ConversionJob
	err := s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM conversion_jobs
		 WHERE document_id = $1 AND status IN ('queued', 'processing')`,
		docID,
	).Scan(scanTargets(&job)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active job: %w", err)
	}
	return &job, nil
}

// Latest returns the most recent job for the document, or nil.
func (s *JobStore) Latest(ctx context.Context, docID uuid.UUID) (*models.ConversionJob, error) {
	var job models.ConversionJob
	err := s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM conversion_jobs
		 WHERE document_id = $1 ORDER BY created_at DESC LIMIT 1`,
		docID,
	).Scan(scanTargets(&job)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest job: %w", err)
	}
	return &job, nil
}

func (s *JobStore) Get(ctx context.Context, jobID uuid.UUID) (*models.ConversionJob, error) {
	var job models.ConversionJob
	err := s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM conversion_jobs WHERE id = $1`,
		jobID,
	).Scan(scanTargets(&job)...)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

func (s *JobStore) MarkProcessing(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE conversion_jobs SET status = 'processing', started_at = now() WHERE id = $1`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

func (s *JobStore) SetProgress(ctx context.Context, jobID uuid.UUID, progress, totalPages, processedPages int) error {
	_, err := s.db.Exec(ctx,
		`UPDATE conversion_jobs SET progress = $2, total_pages = $3, processed_pages = $4 WHERE id = $1`,
		jobID, progress, totalPages, processedPages,
	)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

func (s *JobStore) Complete(ctx context.Context, jobID uuid.UUID, totalPages int, warning *string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE conversion_jobs
		 SET status = 'completed', progress = 100, total_pages = $2, processed_pages = $2,
		     warning = $3, completed_at = now()
		 WHERE id = $1`,
		jobID, totalPages, warning,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (s *JobStore) Fail(ctx context.Context, jobID uuid.UUID, kind, msg string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE conversion_jobs
		 SET status = 'failed', error_kind = $2, error_message = $3, completed_at = now()
		 WHERE id = $1`,
		jobID, kind, msg,
	)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func scanTargets(j *models.ConversionJob) []interface{} {
	return []interface{}{
		&j.ID, &j.DocumentID, &j.Status, &j.Progress, &j.RetryCount, &j.TotalPages, &j.ProcessedPages,
		&j.ErrorKind, &j.ErrorMessage, &j.Warning, &j.StartedAt, &j.CompletedAt, &j.CreatedAt,
	}
}
