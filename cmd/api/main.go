package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/timmy/claimflow/internal/api"
	"github.com/timmy/claimflow/internal/app"
	"github.com/timmy/claimflow/internal/config"
	"github.com/timmy/claimflow/internal/logger"
)

func main() {
	log := logger.NewDefault()
	logger.SetDefaultLogger(log)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: %v", err)
	}

	ctx := logger.SetComponent(context.Background(), "api")
	a, err := app.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize: %v", err)
	}
	defer a.Close()

	router := api.SetupRouter(api.Services{
		Documents: a.Submitter,
		Letters:   a.Letters,
		Queue:     a.Queue,
	}, cfg.Server, log)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	var wg sync.WaitGroup
	if cfg.Worker.Embedded {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Worker.Run(workerCtx); err != nil {
				logger.Error("Worker exited: %v", err)
			}
		}()
	}

	go func() {
		log.WithFields(logger.Fields{
			"port":            cfg.Server.Port,
			"mode":            cfg.Server.Mode,
			"embedded_worker": cfg.Worker.Embedded,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown: %v", err)
	}

	// The worker finishes the job in flight before returning
	stopWorker()
	wg.Wait()

	logger.Info("Server exited")
}
