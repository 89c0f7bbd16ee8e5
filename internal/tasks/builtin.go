package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"astro-solver/internal/config"
)

// Built-in task ids.
const (
	PhotoSync           = "photo-sync"
	NotificationCleanup = "notification-cleanup"
)

// SettingsResolver maps the built-in tasks to their schedules in the current settings.
func SettingsResolver(src config.Source) SpecResolver {
	return func(id string) (Spec, bool) {
		s := src.Current()
		switch id {
		case PhotoSync:
			return Spec{Schedule: s.SyncSchedule, Enabled: s.SyncEnabled}, true
		case NotificationCleanup:
			return Spec{Schedule: s.CleanupSchedule, Enabled: s.CleanupSchedule != ""}, true
		}
		return Spec{}, false
	}
}

// NotificationPruner deletes acknowledged notifications.
type NotificationPruner interface {
	DeleteAcknowledgedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupNotifications returns a task deleting acknowledged notifications older than retention.
func CleanupNotifications(store NotificationPruner, retention time.Duration, logger *slog.Logger) Task {
	return func(ctx context.Context) error {
		deleted, err := store.DeleteAcknowledgedBefore(ctx, time.Now().Add(-retention))
		if err != nil {
			return fmt.Errorf("delete acknowledged notifications: %w", err)
		}
		logger.InfoContext(ctx, "notifications pruned", "deleted", deleted, "retention", retention)
		return nil
	}
}
