package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"astro-solver/internal/models"
)

// NotificationStore persists notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n models.Notification) error
}

// Notifier creates durable, acknowledgeable notifications. It is best effort.
type Notifier struct {
	store  NotificationStore
	logger *slog.Logger
	now    func() time.Time
}

func NewNotifier(store NotificationStore, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{store: store, logger: logger, now: time.Now}
}

// Notify persists a notification. Failures are logged and swallowed.
func (n *Notifier) Notify(ctx context.Context, typ, title, message string, details any) {
	if n == nil || n.store == nil {
		return
	}
	var raw json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			n.logger.WarnContext(ctx, "encode notification details", "title", title, "error", err)
		} else {
			raw = b
		}
	}
	note := models.Notification{
		ID:        uuid.NewString(),
		Type:      typ,
		Title:     title,
		Message:   message,
		Details:   raw,
		CreatedAt: n.now().UTC(),
	}
	if err := n.store.CreateNotification(ctx, note); err != nil {
		n.logger.ErrorContext(ctx, "persist notification", "title", title, "error", err)
	}
}
