// Package app wires the pipeline's components from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/timmy/claimflow/internal/config"
	"github.com/timmy/claimflow/internal/extraction"
	"github.com/timmy/claimflow/internal/letter"
	"github.com/timmy/claimflow/internal/logger"
	"github.com/timmy/claimflow/internal/pagecache"
	"github.com/timmy/claimflow/internal/queue"
	"github.com/timmy/claimflow/internal/rasterizer"
	"github.com/timmy/claimflow/internal/repository"
	"github.com/timmy/claimflow/internal/service"
	"github.com/timmy/claimflow/internal/storage"
	"gorm.io/gorm"
)

// App holds the shared infrastructure and the services built on it.
type App struct {
	DB        *gorm.DB
	Redis     *redis.Client
	Blobs     storage.ObjectStorage
	Queue     *queue.Queue
	Submitter *service.Submitter
	Letters   *service.LetterService
	Worker    *service.Worker
}

// Open connects to the database, blob store and Redis, then builds the services.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	blobs, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	rdb, err := queue.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	q := queue.New(rdb, queue.Options{
		Name:         cfg.Queue.Name,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BlockTimeout: cfg.Queue.BlockTimeout,
		LeaseTTL:     cfg.Queue.LeaseTTL,
	})

	docs := repository.NewDocumentRepository(db)
	jobs := repository.NewJobRepository(db)
	pages := repository.NewPageRepository(db)

	extractor := extraction.NewService(&extraction.Config{
		BaseURL:    cfg.Extraction.BaseURL,
		APIKey:     cfg.Extraction.APIKey,
		Model:      cfg.Extraction.Model,
		MaxTokens:  cfg.Extraction.MaxTokens,
		Timeout:    cfg.Extraction.Timeout,
		RetryCount: cfg.Extraction.RetryCount,
	})

	worker := service.NewWorker(service.WorkerDeps{
		Queue: q,
		Blobs: blobs,
		Cache: pagecache.New(blobs, pages),
		Rasterizer: rasterizer.New(&rasterizer.Config{
			BaseURL:          cfg.Rasterizer.BaseURL,
			APIKey:           cfg.Rasterizer.APIKey,
			Timeout:          cfg.Rasterizer.Timeout,
			PageFetchRetries: cfg.Rasterizer.PageFetchRetries,
		}),
		Extractor: extractor,
		Jobs:      jobs,
		Pages:     pages,
		Status:    repository.NewStatusRepository(db),
	}, &service.WorkerConfig{
		StagingDir:         cfg.Worker.StagingDir,
		LeaseRenewInterval: cfg.Queue.LeaseTTL / 3,
	})

	logger.FromContext(ctx).WithFields(logger.Fields{
		"database": cfg.Database.Driver,
		"queue":    cfg.Queue.Name,
		"model":    extractor.GetModel(),
	}).Info("Components initialized")

	return &App{
		DB:        db,
		Redis:     rdb,
		Blobs:     blobs,
		Queue:     q,
		Submitter: service.NewSubmitter(blobs, docs, jobs, q),
		Letters:   service.NewLetterService(docs, letter.NewRenderer(cfg.Letter.TemplatesDir)),
		Worker:    worker,
	}, nil
}

// Close releases the Redis and database connections.
func (a *App) Close() {
	if err := a.Redis.Close(); err != nil {
		logger.Warn("Failed to close redis: %v", err)
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			logger.Warn("Failed to close database: %v", err)
		}
	}
}
