package handlers

import (
	"errors"
	"net/http"

	"github.com/studyroomhq/pagecache/internal/convert"
	"github.com/studyroomhq/pagecache/internal/document"
	"github.com/studyroomhq/pagecache/internal/rasterizer"
	"github.com/studyroomhq/pagecache/internal/retrieval"
)

// writeServiceError maps pipeline errors to HTTP responses. Every failure is
// distinguishable and carries a retryable flag so the viewer can offer a
// retry action instead of a blank screen.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, document.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": "document not found", "retryable": false,
		})
	case errors.Is(err, retrieval.ErrPendingConversion):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error": "conversion pending", "status": "converting", "retryable": true,
		})
	case errors.Is(err, rasterizer.ErrCorruptSource):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error": convert.UserMessage(convert.KindCorruptSource), "retryable": false,
		})
	case errors.Is(err, rasterizer.ErrUnsupportedFormat):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error": convert.UserMessage(convert.KindUnsupportedFormat), "retryable": false,
		})
	case errors.Is(err, convert.ErrSourceNotFound):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error": convert.UserMessage(convert.KindSourceNotFound), "retryable": false,
		})
	case errors.Is(err, convert.ErrConversionExhausted):
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": "conversion retries exhausted; contact support", "retryable": false,
		})
	case errors.Is(err, rasterizer.ErrResourceExhausted):
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": convert.UserMessage(convert.KindResourceExhausted), "retryable": true,
		})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": convert.UserMessage(convert.KindConversionFailed), "retryable": true,
		})
	}
}
