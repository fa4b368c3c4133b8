package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/studyroomhq/pagecache/internal/api/handlers"
	"github.com/studyroomhq/pagecache/internal/api/middleware"
	"github.com/studyroomhq/pagecache/internal/auth"
	"github.com/studyroomhq/pagecache/internal/cache"
	"github.com/studyroomhq/pagecache/internal/config"
	"github.com/studyroomhq/pagecache/internal/convert"
	"github.com/studyroomhq/pagecache/internal/document"
	"github.com/studyroomhq/pagecache/internal/models"
	"github.com/studyroomhq/pagecache/internal/pagecache"
	"github.com/studyroomhq/pagecache/internal/queue"
	"github.com/studyroomhq/pagecache/internal/rasterizer"
	"github.com/studyroomhq/pagecache/internal/retrieval"
	"github.com/studyroomhq/pagecache/internal/storage"
)

type Router struct {
	mux   *chi.Mux
	db    *pgxpool.Pool
	redis *redis.Client
	cfg   *config.Config
	jwt   *auth.JWTMiddleware
}

func NewRouter(db *pgxpool.Pool, rdb *redis.Client, cfg *config.Config) *Router {
	return &Router{
		mux:   chi.NewRouter(),
		db:    db,
		redis: rdb,
		cfg:   cfg,
		jwt:   auth.NewJWTMiddleware(cfg.Auth.JWTSecret),
	}
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	rl := middleware.NewRateLimiter(100, 200)
	r.Use(rl.Limit)

	// Wire the pipeline
	store := storage.NewSupabaseStorage(rt.cfg.Storage.SupabaseURL, rt.cfg.Storage.SupabaseKey)
	docSvc := document.NewService(rt.db, store, rt.cfg.Storage.Bucket)
	pageStore := pagecache.NewStore(rt.db, store, rt.cfg.Storage.Bucket)
	jobStore := convert.NewJobStore(rt.db, rt.cfg.Convert.MaxRetries)
	queueClient := queue.NewClient(rt.cfg.Redis)
	memo := cache.NewCache(rt.redis)

	orch := convert.NewOrchestrator(jobStore, docSvc, store, rasterizer.NewFitzRasterizer(), pageStore, convert.OrchestratorConfig{
		Bucket: rt.cfg.Storage.Bucket,
		Options: rasterizer.Options{
			DPI:         rt.cfg.Convert.DPI,
			JPEGQuality: rt.cfg.Convert.JPEGQuality,
			Format:      models.FormatJPEG,
		},
		CacheTTL: rt.cfg.Convert.CacheTTL,
		Timeout:  rt.cfg.Convert.Timeout,
		Memo:     memo,
	})

	retrievalSvc := retrieval.NewService(docSvc, pageStore, orch, jobStore, store, rt.cfg.Storage.Bucket, memo, rt.cfg.Convert.SignTTL)

	// Health endpoints (no auth)
	health := handlers.NewHealthHandler(rt.db, rt.redis, store, rt.cfg.Storage.Bucket)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rt.jwt.Authenticate)

		docH := handlers.NewDocumentHandler(docSvc, jobStore, queueClient, rt.cfg.Storage)
		pagesH := handlers.NewPagesHandler(retrievalSvc)

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", docH.Upload)
			r.Get("/", docH.List)
			r.Get("/{id}", docH.Get)
			r.Post("/{id}/study-room", docH.AddToStudyRoom)
			r.Post("/{id}/convert", docH.Convert)
			r.Get("/{id}/convert/status", docH.ConvertStatus)
			r.Get("/{id}/pages", pagesH.GetPages)
			r.Get("/{id}/pages/{page}", pagesH.GetPage)
			r.Get("/{id}/diagnose", pagesH.Diagnose)
		})

		r.Route("/study-room", func(r chi.Router) {
			r.Get("/{itemID}/pages", pagesH.StudyRoomPages)
		})
	})

	return r
}
