package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/studyroomhq/pagecache/internal/auth"
	"github.com/studyroomhq/pagecache/internal/config"
	"github.com/studyroomhq/pagecache/internal/convert"
	"github.com/studyroomhq/pagecache/internal/document"
	"github.com/studyroomhq/pagecache/internal/queue"
)

type DocumentHandler struct {
	svc     *document.Service
	jobs    *convert.JobStore
	queue   *queue.Client
	storage config.StorageConfig
}

func NewDocumentHandler(svc *document.Service, jobs *convert.JobStore, qc *queue.Client, storageCfg config.StorageConfig) *DocumentHandler {
	return &DocumentHandler{svc: svc, jobs: jobs, queue: qc, storage: storageCfg}
}

func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	// Bound the body while it streams in, not after it is buffered.
	r.Body = http.MaxBytesReader(w, r.Body, h.storage.MaxUploadBytes)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "file exceeds upload limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form"})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file required"})
		return
	}
	defer file.Close()

	if header.Size > h.storage.MaxUploadBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "file exceeds upload limit"})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if !h.allowedType(contentType) {
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "only PDF uploads are supported"})
		return
	}

	title := r.FormValue("title")
	if title == "" {
		title = header.Filename
	}

	doc, err := h.svc.Upload(r.Context(), document.UploadRequest{
		OwnerID:  auth.MemberID(r.Context()),
		Title:    title,
		FileType: contentType,
		FileSize: header.Size,
		Data:     file,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, doc)
}

func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 20
	}

	docs, err := h.svc.List(r.Context(), auth.MemberID(r.Context()), limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs, "count": len(docs)})
}

func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid document ID"})
		return
	}

	doc, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// Convert enqueues an asynchronous conversion and returns 202 with the job
// for polling. The synchronous path lives on the pages endpoint.
func (h *DocumentHandler) Convert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid document ID"})
		return
	}

	if _, err := h.svc.GetByID(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	if active, err := h.jobs.Active(r.Context(), id); err == nil && active != nil {
		writeJSON(w, http.StatusAccepted, active)
		return
	}

	if err := h.queue.EnqueueConvert(queue.PageConvertPayload{DocumentID: id.String()}); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue conversion"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "document_id": id.String()})
}

func (h *DocumentHandler) ConvertStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid document ID"})
		return
	}

	job, err := h.jobs.Latest(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if job == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no conversion job for document"})
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (h *DocumentHandler) AddToStudyRoom(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid document ID"})
		return
	}

	if _, err := h.svc.GetByID(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	item, err := h.svc.AddToStudyRoom(r.Context(), auth.MemberID(r.Context()), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, item)
}

func (h *DocumentHandler) allowedType(contentType string) bool {
	for _, t := range h.storage.AllowedTypes {
		if t == contentType {
			return true
		}
	}
	return false
}
