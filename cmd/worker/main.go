package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"astro-solver/internal/app"
	"astro-solver/internal/config"
	"astro-solver/internal/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.RunWorker(ctx, cfg, logger); err != nil {
		logger.Error("worker stopped", "error", err)
		stop()
		os.Exit(1)
	}
}
