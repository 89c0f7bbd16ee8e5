// Package app wires the API and worker processes from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"astro-solver/internal/archive"
	"astro-solver/internal/astrometry"
	"astro-solver/internal/config"
	"astro-solver/internal/events"
	"astro-solver/internal/imagesource"
	"astro-solver/internal/solver"
	"astro-solver/internal/store"
)

func newRedis(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:                  cfg.RedisAddr,
		Password:              cfg.RedisPassword,
		DB:                    cfg.RedisDB,
		DialTimeout:           2 * time.Second,
		ContextTimeoutEnabled: true,
	})
}

// NewEngine builds the polling engine shared by the worker loop and interactive solves.
func NewEngine(ctx context.Context, cfg config.Config, st *store.Store, settings config.Source,
	emitter events.Emitter, notifier solver.Notifier, logger *slog.Logger) (*solver.Engine, error) {
	sidecar, err := archive.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init result archive: %w", err)
	}
	fetcher := imagesource.NewFetcher(cfg.PhotoServerURL, cfg.PhotoServerAPIKey, imagesource.Options{
		Timeout:      cfg.ImageDownloadTimeout,
		MaxBytes:     cfg.ImageMaxBytes,
		MaxDimension: cfg.ImageMaxDimension,
	}, logger)
	client := astrometry.NewHTTPClient(cfg.AstrometryURL, cfg.AstrometryAPIKey, cfg.AstrometryTimeout)

	return solver.NewEngine(
		solver.Deps{Client: client, Jobs: st, Images: st, Fetcher: fetcher},
		solver.WithSidecar(sidecar),
		solver.WithEmitter(emitter),
		solver.WithNotifier(notifier),
		solver.WithSettings(settings),
		solver.WithLogger(logger),
		solver.WithJobTimeout(cfg.JobTimeout),
	), nil
}

// serveHTTP runs srv until ctx ends, then shuts it down.
func serveHTTP(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "http listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", srv.Addr, err)
	}
	<-errCh
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func instanceID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
