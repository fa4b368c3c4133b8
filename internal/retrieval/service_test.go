package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyroomhq/pagecache/internal/document"
	"github.com/studyroomhq/pagecache/internal/models"
	"github.com/studyroomhq/pagecache/internal/pagecache"
	"github.com/studyroomhq/pagecache/internal/storage"
)

type fakeResolver struct {
	docs  map[uuid.UUID]*models.Document
	items map[uuid.UUID]uuid.UUID // study room item -> document
}

func (f *fakeResolver) Resolve(ctx context.Context, ref document.Ref) (*models.Document, error) {
	id := refID(ref)
	if docID, ok := f.items[id]; ok {
		id = docID
	}
	doc, ok := f.docs[id]
	if !ok {
		return nil, document.ErrNotFound
	}
	return doc, nil
}

// refID round-trips the Ref through its string form; the test fakes only
// need the UUID.
func refID(ref document.Ref) uuid.UUID {
	s := ref.String()
	id, _ := uuid.Parse(s[len(s)-36:])
	return id
}

type fakePages struct {
	mu           sync.Mutex
	fresh        map[uuid.UUID]bool
	sets         map[uuid.UUID]*pagecache.PageURLSet
	placeholders map[uuid.UUID]bool
	urlCalls     int
}

func newFakePages() *fakePages {
	return &fakePages{
		fresh:        map[uuid.UUID]bool{},
		sets:         map[uuid.UUID]*pagecache.PageURLSet{},
		placeholders: map[uuid.UUID]bool{},
	}
}

func (f *fakePages) HasFreshPages(ctx context.Context, docID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fresh[docID], nil
}

func (f *fakePages) PageURLs(ctx context.Context, docID uuid.UUID, signTTL time.Duration) (*pagecache.PageURLSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urlCalls++
	set, ok := f.sets[docID]
	if !ok || !f.fresh[docID] {
		return nil, pagecache.ErrNoFreshPages
	}
	return set, nil
}

func (f *fakePages) PagePath(ctx context.Context, docID uuid.UUID, pageNumber int) (string, models.PageFormat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.sets[docID]
	if !ok || !f.fresh[docID] || pageNumber < 1 || pageNumber > set.TotalPages {
		return "", "", pagecache.ErrNoFreshPages
	}
	return fmt.Sprintf("owner/%s/v%d/page-%d.jpg", docID, set.Version, pageNumber), models.FormatJPEG, nil
}

func (f *fakePages) Stats(ctx context.Context, docID uuid.UUID) (*pagecache.CacheStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.sets[docID]
	if set == nil {
		return &pagecache.CacheStats{}, nil
	}
	return &pagecache.CacheStats{TotalPages: set.TotalPages, NewestPage: time.Now()}, nil
}

func (f *fakePages) HasPlaceholders(ctx context.Context, docID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placeholders[docID], nil
}

func (f *fakePages) install(docID uuid.UUID, n, version int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := &pagecache.PageURLSet{Version: version, TotalPages: n}
	for i := 1; i <= n; i++ {
		set.Pages = append(set.Pages, pagecache.PageURL{
			Number: i,
			URL:    fmt.Sprintf("https://signed.example/v%d/page-%d.jpg", version, i),
		})
	}
	f.sets[docID] = set
	f.fresh[docID] = true
}

type fakeConverter struct {
	mu    sync.Mutex
	pages *fakePages
	n     int
	calls int
	err   error
}

func (f *fakeConverter) Convert(ctx context.Context, docID uuid.UUID) (*models.ConversionJob, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	version := 1
	if prev := f.pages.sets[docID]; prev != nil {
		version = prev.Version + 1
	}
	f.pages.install(docID, f.n, version)

	return &models.ConversionJob{
		ID:         uuid.New(),
		DocumentID: docID,
		Status:     models.JobCompleted,
		TotalPages: f.n,
	}, nil
}

type fakeJobStore struct {
	latest map[uuid.UUID]*models.ConversionJob
}

func (f *fakeJobStore) Latest(ctx context.Context, docID uuid.UUID) (*models.ConversionJob, error) {
	return f.latest[docID], nil
}

func (f *fakeJobStore) Active(ctx context.Context, docID uuid.UUID) (*models.ConversionJob, error) {
	j := f.latest[docID]
	if j != nil && !j.Terminal() {
		return j, nil
	}
	return nil, nil
}

type fakeBlobStore struct {
	listErr error
}

func (f *fakeBlobStore) Upload(ctx context.Context, bucket, path string, data io.Reader, contentType string) error {
	return nil
}

func (f *fakeBlobStore) Download(ctx context.Context, bucket, path string) (io.ReadCloser, error) {
	return io.NopCloser(newReader("jpegbytes")), nil
}

func (f *fakeBlobStore) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	return nil, f.listErr
}

func (f *fakeBlobStore) Remove(ctx context.Context, bucket string, paths ...string) error {
	return nil
}

func (f *fakeBlobStore) SignURL(ctx context.Context, bucket, path string, ttl time.Duration, forceDownload bool) (string, error) {
	return "https://signed.example/" + path, nil
}

func newReader(s string) io.Reader {
	return &sreader{s: s}
}

type sreader struct {
	s   string
	pos int
}

func (r *sreader) Read(p []byte) (int, error) {
	if r.pos >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.pos:])
	r.pos += n
	return n, nil
}

type fakeMemo struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (f *fakeMemo) Get(ctx context.Context, key string, dest interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[key]
	if !ok {
		return fmt.Errorf("memo miss: %s", key)
	}
	return json.Unmarshal(b, dest)
}

func (f *fakeMemo) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		f.data = map[string][]byte{}
	}
	f.data[key] = b
	return nil
}

func serviceSetup(t *testing.T, pageCount int) (*Service, uuid.UUID, *fakePages, *fakeConverter) {
	t.Helper()

	docID := uuid.New()
	resolver := &fakeResolver{
		docs:  map[uuid.UUID]*models.Document{docID: {ID: docID, OwnerID: uuid.New(), Title: "algebra-1", FilePath: "owner/doc/source.pdf"}},
		items: map[uuid.UUID]uuid.UUID{},
	}
	pages := newFakePages()
	converter := &fakeConverter{pages: pages, n: pageCount}
	jobs := &fakeJobStore{latest: map[uuid.UUID]*models.ConversionJob{}}

	svc := NewService(resolver, pages, converter, jobs, &fakeBlobStore{}, "documents", nil, time.Hour)
	return svc, docID, pages, converter
}

func TestGetPagesConvertsOnMiss(t *testing.T) {
	svc, docID, _, converter := serviceSetup(t, 5)

	set, err := svc.GetPages(context.Background(), document.ByDocumentID(docID))
	require.NoError(t, err)

	assert.False(t, set.Cached)
	assert.Equal(t, 5, set.TotalPages)
	require.Len(t, set.Pages, 5)
	for i, p := range set.Pages {
		assert.Equal(t, i+1, p.Number)
		assert.NotEmpty(t, p.URL)
	}
	assert.Equal(t, 1, converter.calls)
}

func TestGetPagesFastPathIsIdempotent(t *testing.T) {
	svc, docID, _, converter := serviceSetup(t, 5)

	first, err := svc.GetPages(context.Background(), document.ByDocumentID(docID))
	require.NoError(t, err)
	second, err := svc.GetPages(context.Background(), document.ByDocumentID(docID))
	require.NoError(t, err)

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.TotalPages, second.TotalPages)
	assert.Equal(t, first.Pages, second.Pages)
	assert.Equal(t, 1, converter.calls, "no second rasterization within TTL")
}

func TestGetPagesExpiredForcesReconversion(t *testing.T) {
	svc, docID, pages, converter := serviceSetup(t, 5)

	_, err := svc.GetPages(context.Background(), document.ByDocumentID(docID))
	require.NoError(t, err)

	// Rows still exist but expired: must be treated as a miss.
	pages.mu.Lock()
	pages.fresh[docID] = false
	pages.mu.Unlock()

	set, err := svc.GetPages(context.Background(), document.ByDocumentID(docID))
	require.NoError(t, err)

	assert.False(t, set.Cached)
	assert.Equal(t, 2, converter.calls)
	assert.Equal(t, 2, pages.sets[docID].Version, "reconversion bumps the version")
}

func TestGetPagesPlaceholdersNeverServed(t *testing.T) {
	svc, docID, pages, converter := serviceSetup(t, 3)

	pages.mu.Lock()
	pages.placeholders[docID] = true
	pages.mu.Unlock()

	set, err := svc.GetPages(context.Background(), document.ByDocumentID(docID))
	require.NoError(t, err)

	assert.False(t, set.Cached)
	assert.Equal(t, 1, converter.calls, "placeholder rows trigger a real conversion")
	assert.Equal(t, 3, set.TotalPages)
}

func TestGetPagesConversionFailureSurfaces(t *testing.T) {
	svc, docID, _, converter := serviceSetup(t, 5)
	converter.err = fmt.Errorf("conversion failed: storage write")

	set, err := svc.GetPages(context.Background(), document.ByDocumentID(docID))
	require.Error(t, err)
	assert.Nil(t, set, "never an empty success on conversion failure")
}

func TestGetPagesUnknownDocument(t *testing.T) {
	svc, _, _, _ := serviceSetup(t, 5)

	_, err := svc.GetPages(context.Background(), document.ByDocumentID(uuid.New()))
	require.ErrorIs(t, err, document.ErrNotFound)
}

func TestGetPagesByStudyRoomItem(t *testing.T) {
	svc, docID, _, _ := serviceSetup(t, 2)
	itemID := uuid.New()
	svc.resolver.(*fakeResolver).items[itemID] = docID

	set, err := svc.GetPages(context.Background(), document.ByStudyRoomItemID(itemID))
	require.NoError(t, err)
	assert.Equal(t, 2, set.TotalPages)
}

func TestGetPageBeforeConversionIsPending(t *testing.T) {
	svc, docID, _, _ := serviceSetup(t, 5)

	_, _, err := svc.GetPage(context.Background(), document.ByDocumentID(docID), 1)
	require.ErrorIs(t, err, ErrPendingConversion)
}

func TestGetPageStreamsFreshPage(t *testing.T) {
	svc, docID, pages, _ := serviceSetup(t, 5)
	pages.install(docID, 5, 1)

	rc, contentType, err := svc.GetPage(context.Background(), document.ByDocumentID(docID), 3)
	require.NoError(t, err)
	defer rc.Close()

	assert.Equal(t, "image/jpeg", contentType)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestDiagnoseUnconvertedDocument(t *testing.T) {
	svc, docID, _, _ := serviceSetup(t, 5)

	report, err := svc.Diagnose(context.Background(), document.ByDocumentID(docID))
	require.NoError(t, err)

	assert.False(t, report.HasPages)
	assert.True(t, report.StorageAccessible)
	assert.Contains(t, report.Issues, "no cached pages")
	assert.NotEmpty(t, report.Recommendations)
}

func TestDiagnoseReportsPlaceholders(t *testing.T) {
	svc, docID, pages, _ := serviceSetup(t, 5)
	pages.install(docID, 5, 1)
	pages.mu.Lock()
	pages.placeholders[docID] = true
	pages.mu.Unlock()

	report, err := svc.Diagnose(context.Background(), document.ByDocumentID(docID))
	require.NoError(t, err)

	assert.True(t, report.HasPages)
	assert.Contains(t, report.Issues, "placeholder page records present; they are never served")
}

func TestMemoServesFastPath(t *testing.T) {
	svc, docID, pages, _ := serviceSetup(t, 4)
	svc.memo = &fakeMemo{}

	_, err := svc.GetPages(context.Background(), document.ByDocumentID(docID))
	require.NoError(t, err)
	callsAfterFirst := pages.urlCalls

	set, err := svc.GetPages(context.Background(), document.ByDocumentID(docID))
	require.NoError(t, err)

	assert.True(t, set.Cached)
	assert.Equal(t, 4, set.TotalPages)
	assert.Equal(t, callsAfterFirst, pages.urlCalls, "memo hit avoids re-signing")
}
