package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/studyroomhq/pagecache/internal/storage"
)

// HealthHandler reports on the three stores the conversion pipeline cannot
// run without: the metadata database, the task/memo redis and the page blobs.
type HealthHandler struct {
	db     *pgxpool.Pool
	redis  *redis.Client
	blobs  storage.Storage
	bucket string
}

func NewHealthHandler(db *pgxpool.Pool, rdb *redis.Client, blobs storage.Storage, bucket string) *HealthHandler {
	return &HealthHandler{db: db, redis: rdb, blobs: blobs, bucket: bucket}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "pagecache"})
}

func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}

	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			checks["database"] = "unhealthy: " + err.Error()
		} else {
			checks["database"] = "ok"
		}
	}

	if h.redis != nil {
		if err := h.redis.Ping(r.Context()).Err(); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
		} else {
			checks["redis"] = "ok"
		}
	}

	if h.blobs != nil {
		if _, err := h.blobs.List(r.Context(), h.bucket, ""); err != nil {
			checks["storage"] = "unhealthy: " + err.Error()
		} else {
			checks["storage"] = "ok"
		}
	}

	status := http.StatusOK
	for _, v := range checks {
		if v != "ok" {
			status = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, status, map[string]interface{}{"status": statusStr(status), "checks": checks})
}

func statusStr(code int) string {
	if code == http.StatusOK {
		return "ok"
	}
	return "unhealthy"
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
