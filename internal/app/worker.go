package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"astro-solver/internal/config"
	"astro-solver/internal/events"
	"astro-solver/internal/lease"
	"astro-solver/internal/logging"
	"astro-solver/internal/ratelimit"
	"astro-solver/internal/solver"
	"astro-solver/internal/store"
	"astro-solver/internal/telemetry"
	"astro-solver/internal/worker"
)

// RunWorker runs the solving loop until ctx is cancelled. With a lease TTL configured it first
// waits for the worker lease so only one loop runs against the database.
func RunWorker(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx = logging.ContextAttrs(ctx, slog.String("process", "worker"))

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()

	rdb := newRedis(cfg)
	defer rdb.Close()

	settings := config.NewViperSource(cfg.SettingsFile)
	bus := events.NewRedisBus(rdb, cfg.EventsChannel, logger)
	notifier := events.NewNotifier(st, logger)

	engine, err := NewEngine(ctx, cfg, st, settings, bus, notifier, logger)
	if err != nil {
		return err
	}
	bucket := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	scheduler := solver.NewScheduler(engine, bucket.For(ratelimit.SubmitKey), logger)
	proc := worker.NewProcessor(st, scheduler, engine, settings, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		return serveHTTP(gctx, &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}, logger)
	})
	g.Go(func() error {
		if cfg.WorkerLeaseTTL <= 0 {
			return proc.Run(gctx)
		}
		return runLeased(gctx, lease.New(rdb, lease.WorkerKey, instanceID(), cfg.WorkerLeaseTTL), proc, logger)
	})
	return ignoreCanceled(g.Wait())
}

func runLeased(ctx context.Context, l *lease.Lease, proc *worker.Processor, logger *slog.Logger) error {
	logger.InfoContext(ctx, "waiting for worker lease")
	if err := l.Wait(ctx, time.Second); err != nil {
		return err
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			logger.WarnContext(ctx, "release worker lease", "error", err)
		}
	}()
	logger.InfoContext(ctx, "worker lease acquired")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.Hold(gctx) })
	g.Go(func() error { return proc.Run(gctx) })
	return g.Wait()
}
