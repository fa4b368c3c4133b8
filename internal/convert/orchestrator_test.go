package convert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyroomhq/pagecache/internal/models"
	"github.com/studyroomhq/pagecache/internal/pagecache"
	"github.com/studyroomhq/pagecache/internal/rasterizer"
	"github.com/studyroomhq/pagecache/internal/storage"
)

type fakeJobs struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]*models.ConversionJob
	order       []*models.ConversionJob
	maxRetries  int
	progressErr error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[uuid.UUID]*models.ConversionJob{}, maxRetries: 3}
}

func (f *fakeJobs) Claim(ctx context.Context, docID uuid.UUID) (*models.ConversionJob, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var latest *models.ConversionJob
	for i := len(f.order) - 1; i >= 0; i-- {
		if f.order[i].DocumentID == docID {
			latest = f.order[i]
			break
		}
	}

	if latest != nil && !latest.Terminal() {
		cp := *latest
		return &cp, false, nil
	}

	retryCount := 0
	if latest != nil && latest.Status == models.JobFailed {
		kind, msg := "", ""
		if latest.ErrorKind != nil {
			kind = *latest.ErrorKind
		}
		if latest.ErrorMessage != nil {
			msg = *latest.ErrorMessage
		}
		if !Retryable(kind) {
			return nil, false, ErrorForKind(kind, msg)
		}
		if latest.RetryCount >= f.maxRetries {
			return nil, false, ErrConversionExhausted
		}
		retryCount = latest.RetryCount + 1
	}

	job := &models.ConversionJob{
		ID:         uuid.New(),
		DocumentID: docID,
		Status:     models.JobQueued,
		RetryCount: retryCount,
		CreatedAt:  time.Now(),
	}
	f.jobs[job.ID] = job
	f.order = append(f.order, job)
	cp := *job
	return &cp, true, nil
}

func (f *fakeJobs) Get(ctx context.Context, jobID uuid.UUID) (*models.ConversionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobs) MarkProcessing(ctx context.Context, jobID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID].Status = models.JobProcessing
	return nil
}

func (f *fakeJobs) SetProgress(ctx context.Context, jobID uuid.UUID, progress, total, processed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.progressErr != nil {
		return f.progressErr
	}
	j := f.jobs[jobID]
	j.Progress = progress
	j.TotalPages = total
	j.ProcessedPages = processed
	return nil
}

func (f *fakeJobs) Complete(ctx context.Context, jobID uuid.UUID, totalPages int, warning *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[jobID]
	j.Status = models.JobCompleted
	j.Progress = 100
	j.TotalPages = totalPages
	j.ProcessedPages = totalPages
	j.Warning = warning
	return nil
}

func (f *fakeJobs) Latest(ctx context.Context, docID uuid.UUID) (*models.ConversionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.order) - 1; i >= 0; i-- {
		if f.order[i].DocumentID == docID {
			cp := *f.order[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeJobs) Fail(ctx context.Context, jobID uuid.UUID, kind, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[jobID]
	j.Status = models.JobFailed
	j.ErrorKind = &kind
	j.ErrorMessage = &msg
	return nil
}

type fakeDocs struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*models.Document
}

func (f *fakeDocs) GetByID(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s not found", id)
	}
	return doc, nil
}

func (f *fakeDocs) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return fmt.Errorf("document %s not found", id)
	}
	doc.Status = status
	return nil
}

func (f *fakeDocs) status(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id].Status
}

type fakeMemo struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (f *fakeMemo) Delete(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.keys, k)
	}
	return nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}}
}

func (f *fakeBlobs) Upload(ctx context.Context, bucket, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[path] = b
	return nil
}

func (f *fakeBlobs) Download(ctx context.Context, bucket, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[path]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeBlobs) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	return nil, nil
}

func (f *fakeBlobs) Remove(ctx context.Context, bucket string, paths ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range paths {
		delete(f.objects, p)
	}
	return nil
}

func (f *fakeBlobs) SignURL(ctx context.Context, bucket, path string, ttl time.Duration, forceDownload bool) (string, error) {
	return "https://signed.example/" + path, nil
}

type fakeRaster struct {
	calls int64
	pages []rasterizer.Page
	err   error
}

func (f *fakeRaster) Rasterize(ctx context.Context, pdf []byte, opts rasterizer.Options) ([]rasterizer.Page, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.pages, nil
}

type fakeWriter struct {
	mu      sync.Mutex
	writes  int
	version int
	lastSet []rasterizer.Page
	err     error
}

func (f *fakeWriter) WritePages(ctx context.Context, doc *models.Document, pages []rasterizer.Page, ttl, processingTime time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.writes++
	f.version++
	f.lastSet = pages
	return f.version, nil
}

func renderedPages(n, size int) []rasterizer.Page {
	pages := make([]rasterizer.Page, n)
	for i := range pages {
		pages[i] = rasterizer.Page{Bytes: bytes.Repeat([]byte{1}, size), Format: models.FormatJPEG}
	}
	return pages
}

func testSetup(t *testing.T, raster *fakeRaster, writer *fakeWriter) (*Orchestrator, uuid.UUID, *fakeJobs) {
	t.Helper()

	docID := uuid.New()
	doc := &models.Document{ID: docID, OwnerID: uuid.New(), FilePath: "owner/doc/source.pdf"}

	blobs := newFakeBlobs()
	blobs.objects[doc.FilePath] = []byte("%PDF-1.4 fake")

	jobs := newFakeJobs()
	orch := NewOrchestrator(jobs, &fakeDocs{docs: map[uuid.UUID]*models.Document{docID: doc}}, blobs, raster, writer, OrchestratorConfig{
		Bucket:       "documents",
		CacheTTL:     7 * 24 * time.Hour,
		Timeout:      time.Minute,
		PollInterval: 5 * time.Millisecond,
	})
	return orch, docID, jobs
}

func TestConvertSuccess(t *testing.T) {
	raster := &fakeRaster{pages: renderedPages(5, 40<<10)}
	writer := &fakeWriter{}
	orch, docID, _ := testSetup(t, raster, writer)

	job, err := orch.Convert(context.Background(), docID)
	require.NoError(t, err)

	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 5, job.TotalPages)
	assert.Equal(t, 5, job.ProcessedPages)
	assert.Equal(t, 100, job.Progress)
	assert.Nil(t, job.Warning)
	assert.Equal(t, 1, writer.writes)
	assert.Len(t, writer.lastSet, 5)
	assert.Equal(t, models.DocStatusReady, orch.docs.(*fakeDocs).status(docID))
}

func TestConvertConcurrentSingleFlight(t *testing.T) {
	raster := &fakeRaster{pages: renderedPages(3, 40<<10)}
	writer := &fakeWriter{}
	orch, docID, _ := testSetup(t, raster, writer)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*models.ConversionJob, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = orch.Convert(context.Background(), docID)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&raster.calls), "exactly one rasterization")
	assert.Equal(t, 1, writer.writes, "exactly one page-set write")
	assert.Equal(t, 1, writer.version)
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, models.JobCompleted, results[i].Status)
		assert.Equal(t, 3, results[i].TotalPages)
	}
}

func TestConvertCorruptSource(t *testing.T) {
	raster := &fakeRaster{err: fmt.Errorf("%w: bad xref", rasterizer.ErrCorruptSource)}
	writer := &fakeWriter{}
	orch, docID, jobs := testSetup(t, raster, writer)

	_, err := orch.Convert(context.Background(), docID)
	require.ErrorIs(t, err, rasterizer.ErrCorruptSource)
	assert.Equal(t, 0, writer.writes, "no records written on rasterizer failure")

	latest, _ := jobs.Latest(context.Background(), docID)
	require.NotNil(t, latest)
	assert.Equal(t, models.JobFailed, latest.Status)
	require.NotNil(t, latest.ErrorKind)
	assert.Equal(t, KindCorruptSource, *latest.ErrorKind)
	require.NotNil(t, latest.ErrorMessage)
	assert.NotEmpty(t, *latest.ErrorMessage)
	assert.Equal(t, models.DocStatusFailed, orch.docs.(*fakeDocs).status(docID))

	// Corrupt input cannot heal on retry; the second call surfaces the same
	// failure without rasterizing again.
	_, err = orch.Convert(context.Background(), docID)
	require.ErrorIs(t, err, rasterizer.ErrCorruptSource)
	assert.EqualValues(t, 1, atomic.LoadInt64(&raster.calls))
}

func TestConvertRetryBudgetExhausted(t *testing.T) {
	raster := &fakeRaster{err: fmt.Errorf("%w: render timed out", rasterizer.ErrResourceExhausted)}
	writer := &fakeWriter{}
	orch, docID, jobs := testSetup(t, raster, writer)

	// Attempts 0..maxRetries all fail with a retryable kind.
	for i := 0; i <= jobs.maxRetries; i++ {
		_, err := orch.Convert(context.Background(), docID)
		require.ErrorIs(t, err, rasterizer.ErrResourceExhausted)
	}

	_, err := orch.Convert(context.Background(), docID)
	require.ErrorIs(t, err, ErrConversionExhausted)
	assert.EqualValues(t, jobs.maxRetries+1, atomic.LoadInt64(&raster.calls))
}

func TestConvertSourceMissing(t *testing.T) {
	raster := &fakeRaster{pages: renderedPages(2, 40<<10)}
	writer := &fakeWriter{}
	orch, docID, jobs := testSetup(t, raster, writer)

	docsvc := orch.docs.(*fakeDocs)
	docsvc.docs[docID].FilePath = "owner/doc/missing.pdf"

	_, err := orch.Convert(context.Background(), docID)
	require.ErrorIs(t, err, ErrSourceNotFound)

	latest, _ := jobs.Latest(context.Background(), docID)
	require.NotNil(t, latest.ErrorKind)
	assert.Equal(t, KindSourceNotFound, *latest.ErrorKind)
	assert.EqualValues(t, 0, atomic.LoadInt64(&raster.calls))
}

func TestConvertAllBlankStillWrites(t *testing.T) {
	raster := &fakeRaster{pages: renderedPages(4, 512)}
	writer := &fakeWriter{}
	orch, docID, _ := testSetup(t, raster, writer)

	job, err := orch.Convert(context.Background(), docID)
	require.NoError(t, err)

	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 4, job.TotalPages)
	require.NotNil(t, job.Warning, "CRITICAL blank report is recorded, not swallowed")
	assert.Contains(t, *job.Warning, "CRITICAL")
	// One retry pass for a majority-blank render, then the set is written.
	assert.EqualValues(t, 2, atomic.LoadInt64(&raster.calls))
	assert.Equal(t, 1, writer.writes)
}

func TestConvertWriteFailureIsRetryable(t *testing.T) {
	raster := &fakeRaster{pages: renderedPages(2, 40<<10)}
	writer := &fakeWriter{err: fmt.Errorf("upload page 2 of 2: connection reset")}
	orch, docID, jobs := testSetup(t, raster, writer)

	_, err := orch.Convert(context.Background(), docID)
	require.ErrorIs(t, err, ErrConversionFailed)

	latest, _ := jobs.Latest(context.Background(), docID)
	require.NotNil(t, latest.ErrorKind)
	assert.Equal(t, KindConversionFailed, *latest.ErrorKind)
	assert.True(t, Retryable(*latest.ErrorKind))

	// A later attempt with storage healthy succeeds and bumps retry count.
	writer.err = nil
	job, err := orch.Convert(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 1, job.RetryCount)
}

func TestConvertInvalidatesStaleMemoizedURLs(t *testing.T) {
	raster := &fakeRaster{pages: renderedPages(3, 40<<10)}
	writer := &fakeWriter{}
	orch, docID, _ := testSetup(t, raster, writer)

	// A memoized set of v1 URLs from before this conversion. The version swap
	// deletes the v1 blobs, so serving it again would hand out dead links.
	memo := &fakeMemo{keys: map[string]bool{pagecache.MemoKey(docID): true}}
	orch.memo = memo

	_, err := orch.Convert(context.Background(), docID)
	require.NoError(t, err)

	memo.mu.Lock()
	defer memo.mu.Unlock()
	assert.NotContains(t, memo.keys, pagecache.MemoKey(docID),
		"memoized URL set must be dropped when the page set is replaced")
}

func TestConvertToleratesProgressErrors(t *testing.T) {
	raster := &fakeRaster{pages: renderedPages(2, 40<<10)}
	writer := &fakeWriter{}
	orch, docID, jobs := testSetup(t, raster, writer)
	jobs.progressErr = fmt.Errorf("connection refused")

	// Progress updates are cosmetic; a flaky update must not fail the run.
	job, err := orch.Convert(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 1, writer.writes)
}
