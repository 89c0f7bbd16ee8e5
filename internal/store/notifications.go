package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"astro-solver/internal/models"
)

// CreateNotification inserts a notification.
func (s *Store) CreateNotification(ctx context.Context, n models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	var details []byte
	if len(n.Details) > 0 {
		details = n.Details
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, type, title, message, details, acknowledged, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
	`, n.ID, n.Type, n.Title, n.Message, details, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns notifications newest first.
func (s *Store) ListNotifications(ctx context.Context, unacknowledgedOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, title, message, details, acknowledged, created_at
		FROM notifications
		WHERE NOT ($1 AND acknowledged)
		ORDER BY created_at DESC, id
		LIMIT $2
	`, unacknowledgedOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var details []byte
		if err := rows.Scan(&n.ID, &n.Type, &n.Title, &n.Message, &details, &n.Acknowledged, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if len(details) > 0 {
			n.Details = details
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

// AcknowledgeNotification marks a notification acknowledged. Acknowledging twice is a no-op.
func (s *Store) AcknowledgeNotification(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET acknowledged = TRUE, acknowledged_at = COALESCE(acknowledged_at, NOW())
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("acknowledge notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// DeleteAcknowledgedBefore removes acknowledged notifications created before cutoff.
func (s *Store) DeleteAcknowledgedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notifications WHERE acknowledged AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}
