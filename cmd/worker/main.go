package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/claimflow/internal/app"
	"github.com/timmy/claimflow/internal/config"
	"github.com/timmy/claimflow/internal/logger"
)

func main() {
	logger.SetDefaultLogger(logger.NewDefault())

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: %v", err)
	}

	if err := run(cfg); err != nil {
		logger.Error("Worker exited: %v", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Worker exited")
	logger.Sync()
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.SetComponent(ctx, "worker")

	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Worker.Run(ctx)
}
