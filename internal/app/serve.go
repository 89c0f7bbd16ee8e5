package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"astro-solver/internal/api"
	"astro-solver/internal/config"
	"astro-solver/internal/events"
	"astro-solver/internal/logging"
	"astro-solver/internal/photosync"
	"astro-solver/internal/store"
	"astro-solver/internal/supervisor"
	"astro-solver/internal/tasks"
)

// WorkerSubcommand is the hidden subcommand the API binary runs as its own worker.
const WorkerSubcommand = "_worker"

const relayRetry = 5 * time.Second

// Serve runs the API process: HTTP, the event relay, the worker supervisor and scheduled tasks.
func Serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx = logging.ContextAttrs(ctx, slog.String("process", "api"))

	if err := store.RunMigrations(cfg.PostgresDSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()

	rdb := newRedis(cfg)
	defer rdb.Close()

	settings := config.NewViperSource(cfg.SettingsFile)
	hub := events.NewHub(logger, 0)
	bus := events.NewRedisBus(rdb, cfg.EventsChannel, logger)
	notifier := events.NewNotifier(st, logger)

	engine, err := NewEngine(ctx, cfg, st, settings, bus, notifier, logger)
	if err != nil {
		return err
	}

	command, err := workerCommand(cfg)
	if err != nil {
		return err
	}
	sup := supervisor.New(supervisor.Config{
		Command:        command,
		RestartFloor:   cfg.WorkerRestartFloor,
		RestartCeiling: cfg.WorkerRestartCeiling,
		MaxRestarts:    cfg.WorkerMaxRestarts,
		StableAfter:    cfg.WorkerStableAfter,
		StopGrace:      cfg.WorkerStopGrace,
	}, logger, supervisor.WithNotifier(notifier))

	scheduler, err := newTaskScheduler(ctx, cfg, st, settings, bus, notifier, logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			logger.ErrorContext(ctx, "shutting down task scheduler", "error", err)
		}
	}()

	server := api.New(api.Deps{
		Store:    st,
		Solver:   engine,
		Worker:   sup,
		Tasks:    scheduler,
		Settings: settings,
		Events:   hub,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveHTTP(gctx, &http.Server{Addr: ":" + cfg.HTTPPort, Handler: server.Router(), ReadHeaderTimeout: 5 * time.Second}, logger)
	})
	g.Go(func() error {
		relay(gctx, bus, hub, logger)
		return nil
	})
	g.Go(func() error {
		if settings.Current().Enabled {
			if err := sup.SetEnabled(gctx, true); err != nil {
				logger.ErrorContext(gctx, "start worker", "error", err)
			}
		}
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.WorkerStopGrace+5*time.Second)
		defer cancel()
		return sup.GracefulShutdown(stopCtx)
	})
	return ignoreCanceled(g.Wait())
}

func newTaskScheduler(ctx context.Context, cfg config.Config, st *store.Store, settings config.Source,
	emitter events.Emitter, notifier tasks.Notifier, logger *slog.Logger) (*tasks.Scheduler, error) {
	scheduler, err := tasks.New(st,
		tasks.WithNotifier(notifier),
		tasks.WithResolver(tasks.SettingsResolver(settings)),
		tasks.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	syncer := photosync.NewSyncer(
		photosync.NewClient(cfg.PhotoServerURL, cfg.PhotoServerAPIKey, cfg.ImageDownloadTimeout),
		st, emitter, cfg.PhotoAlbumID, logger)

	if err := scheduler.Register(ctx, tasks.PhotoSync, "Photo sync", syncer.Run); err != nil {
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("register %s: %w", tasks.PhotoSync, err)
	}
	cleanup := tasks.CleanupNotifications(st, cfg.NotificationRetention, logger)
	if err := scheduler.Register(ctx, tasks.NotificationCleanup, "Notification cleanup", cleanup); err != nil {
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("register %s: %w", tasks.NotificationCleanup, err)
	}
	return scheduler, nil
}

// relay forwards Redis events into the hub, reconnecting until ctx ends.
func relay(ctx context.Context, bus *events.RedisBus, hub *events.Hub, logger *slog.Logger) {
	for {
		err := bus.Relay(ctx, hub)
		if ctx.Err() != nil {
			return
		}
		logger.WarnContext(ctx, "event relay interrupted", "error", err, "retry_in", relayRetry)
		select {
		case <-ctx.Done():
			return
		case <-time.After(relayRetry):
		}
	}
}

// workerCommand defaults to re-executing this binary with the hidden worker subcommand.
func workerCommand(cfg config.Config) (supervisor.Command, error) {
	if cfg.WorkerCommand != "" {
		return supervisor.Command{Path: cfg.WorkerCommand, Args: cfg.WorkerArgs}, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return supervisor.Command{}, fmt.Errorf("locate executable for worker: %w", err)
	}
	return supervisor.Command{Path: exe, Args: []string{WorkerSubcommand}}, nil
}
