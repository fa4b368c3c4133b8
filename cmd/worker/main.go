package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/studyroomhq/pagecache/internal/cache"
	"github.com/studyroomhq/pagecache/internal/config"
	"github.com/studyroomhq/pagecache/internal/convert"
	"github.com/studyroomhq/pagecache/internal/database"
	"github.com/studyroomhq/pagecache/internal/document"
	"github.com/studyroomhq/pagecache/internal/models"
	"github.com/studyroomhq/pagecache/internal/pagecache"
	"github.com/studyroomhq/pagecache/internal/queue"
	"github.com/studyroomhq/pagecache/internal/queue/workers"
	"github.com/studyroomhq/pagecache/internal/rasterizer"
	"github.com/studyroomhq/pagecache/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	db, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	store := storage.NewSupabaseStorage(cfg.Storage.SupabaseURL, cfg.Storage.SupabaseKey)
	docSvc := document.NewService(db, store, cfg.Storage.Bucket)
	pageStore := pagecache.NewStore(db, store, cfg.Storage.Bucket)
	jobStore := convert.NewJobStore(db, cfg.Convert.MaxRetries)

	orch := convert.NewOrchestrator(jobStore, docSvc, store, rasterizer.NewFitzRasterizer(), pageStore, convert.OrchestratorConfig{
		Bucket: cfg.Storage.Bucket,
		Options: rasterizer.Options{
			DPI:         cfg.Convert.DPI,
			JPEGQuality: cfg.Convert.JPEGQuality,
			Format:      models.FormatJPEG,
		},
		CacheTTL: cfg.Convert.CacheTTL,
		Timeout:  cfg.Convert.Timeout,
		Memo:     cache.NewCache(rdb),
	})

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
		},
	)

	registry := queue.NewHandlersRegistry()

	// Register workers
	convertWorker := workers.NewConvertWorker(orch)

	registry.Register(queue.TypePageConvert, asynq.HandlerFunc(convertWorker.ProcessTask))

	slog.Info("starting worker", "concurrency", 4)
	if err := srv.Run(registry.Mux()); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}
}
