package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/studyroomhq/pagecache/internal/document"
	"github.com/studyroomhq/pagecache/internal/retrieval"
)

type PagesHandler struct {
	svc *retrieval.Service
}

func NewPagesHandler(svc *retrieval.Service) *PagesHandler {
	return &PagesHandler{svc: svc}
}

// GetPages serves the canonical page-set shape. A cache miss converts
// synchronously, so first reads of a large document can take a while; the
// async alternative is POST /convert plus status polling.
func (h *PagesHandler) GetPages(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.docRef(w, r)
	if !ok {
		return
	}

	set, err := h.svc.GetPages(r.Context(), ref)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, set)
}

func (h *PagesHandler) GetPage(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.docRef(w, r)
	if !ok {
		return
	}

	pageNumber, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || pageNumber < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid page number"})
		return
	}

	rc, contentType, err := h.svc.GetPage(r.Context(), ref, pageNumber)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	io.Copy(w, rc)
}

func (h *PagesHandler) Diagnose(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.docRef(w, r)
	if !ok {
		return
	}

	report, err := h.svc.Diagnose(r.Context(), ref)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// StudyRoomPages resolves a study room item to its document and serves the
// same page-set shape.
func (h *PagesHandler) StudyRoomPages(w http.ResponseWriter, r *http.Request) {
	itemID, err := uuid.Parse(chi.URLParam(r, "itemID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid study room item ID"})
		return
	}

	set, err := h.svc.GetPages(r.Context(), document.ByStudyRoomItemID(itemID))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, set)
}

func (h *PagesHandler) docRef(w http.ResponseWriter, r *http.Request) (document.Ref, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid document ID"})
		return document.Ref{}, false
	}
	return document.ByDocumentID(id), true
}
