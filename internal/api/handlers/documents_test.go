package handlers

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyroomhq/pagecache/internal/config"
)

func uploadRequest(t *testing.T, fieldContentType string, size int) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="doc.pdf"`)
	hdr.Set("Content-Type", fieldContentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(bytes.Repeat([]byte{'x'}, size))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func uploadHandler(maxBytes int64) *DocumentHandler {
	return NewDocumentHandler(nil, nil, nil, config.StorageConfig{
		MaxUploadBytes: maxBytes,
		AllowedTypes:   []string{"application/pdf"},
	})
}

func TestUploadRejectsOversizedBodyWhileStreaming(t *testing.T) {
	h := uploadHandler(1 << 10)

	rec := httptest.NewRecorder()
	h.Upload(rec, uploadRequest(t, "application/pdf", 64<<10))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "upload limit")
}

func TestUploadRejectsDisallowedContentType(t *testing.T) {
	h := uploadHandler(10 << 20)

	rec := httptest.NewRecorder()
	h.Upload(rec, uploadRequest(t, "image/png", 128))

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Contains(t, rec.Body.String(), "PDF")
}

func TestUploadRejectsMissingFile(t *testing.T) {
	h := uploadHandler(10 << 20)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("title", "no file attached"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "file required")
}
