package models

import (
	"encoding/json"
	"time"
)

// Notification types.
const (
	NotificationError   = "error"
	NotificationWarning = "warning"
	NotificationInfo    = "info"
	NotificationSuccess = "success"
)

// Notification is a durable, acknowledgeable user-facing alert.
type Notification struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Title        string          `json:"title"`
	Message      string          `json:"message"`
	Details      json.RawMessage `json:"details,omitempty"`
	Acknowledged bool            `json:"acknowledged"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ScheduledTask is the persisted metadata of a periodic task.
type ScheduledTask struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Enabled   bool       `json:"enabled"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError *string    `json:"last_error,omitempty"`
}
