package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"astro-solver/internal/app"
	"astro-solver/internal/config"
	"astro-solver/internal/events"
	"astro-solver/internal/logging"
	"astro-solver/internal/store"
)

var (
	cfg    config.Config
	logger *slog.Logger

	flagSolveWait time.Duration
)

func main() {
	rootCmd.PersistentPreRun = func(*cobra.Command, []string) {
		cfg = config.Load()
		logger = logging.New(os.Stderr, cfg.LogLevel)
		slog.SetDefault(logger)
	}

	solveCmd.Flags().DurationVar(&flagSolveWait, "wait", 5*time.Minute, "how long to wait for the solve to resolve")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd, solveCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("astro-solver failed", "error", err)
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "astro-solver",
	Short:         "Background plate solving for an astrophotography catalog",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the API, the supervised worker and scheduled tasks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return app.Serve(cmd.Context(), cfg, logger)
	},
}

var workerCmd = &cobra.Command{
	Use:    app.WorkerSubcommand,
	Short:  "internal command run by the worker supervisor",
	Hidden: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return app.RunWorker(cmd.Context(), cfg, logger)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "apply all pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := store.RunMigrations(cfg.PostgresDSN); err != nil {
			return err
		}
		logger.InfoContext(cmd.Context(), "migrations applied")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "roll back all migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := store.MigrateDown(cfg.PostgresDSN); err != nil {
			return err
		}
		logger.InfoContext(cmd.Context(), "migrations rolled back")
		return nil
	},
}

var solveCmd = &cobra.Command{
	Use:   "solve <image-id>",
	Short: "submit one image and wait for its solve",
	Args:  cobra.ExactArgs(1),
	RunE:  doSolve,
}

func doSolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()

	settings := config.NewViperSource(cfg.SettingsFile)
	engine, err := app.NewEngine(ctx, cfg, st, settings, events.Discard{}, events.NewNotifier(st, logger), logger)
	if err != nil {
		return err
	}
	image, err := st.GetImage(ctx, args[0])
	if err != nil {
		return fmt.Errorf("load image %s: %w", args[0], err)
	}

	job, err := engine.CompleteWorkflow(ctx, image, flagSolveWait)
	if job.ID != "" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(job); encErr != nil {
			return encErr
		}
	}
	return err
}
