// Package events fans out state-change events to connected clients and persists
// user-facing notifications.
package events

import (
	"context"
	"encoding/json"
	"time"

	"astro-solver/internal/models"
)

// Event names.
const (
	JobUpdateEvent    = "job-update"
	SyncCompleteEvent = "sync-complete"
)

// JobUpdate is emitted whenever a job is created or changes status.
type JobUpdate struct {
	JobID   string              `json:"jobId"`
	ImageID string              `json:"imageId"`
	Status  string              `json:"status"`
	Result  *models.SolveResult `json:"result,omitempty"`
}

// SyncComplete is emitted after a photo sync run.
type SyncComplete struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Counts  map[string]int `json:"counts,omitempty"`
}

// Event is a named payload as delivered to subscribers.
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Emitter publishes named events. Emit never blocks on slow consumers and never fails the caller.
type Emitter interface {
	Emit(ctx context.Context, name string, payload any)
}

// Discard is an Emitter that drops everything.
type Discard struct{}

func (Discard) Emit(context.Context, string, any) {}

func newEvent(name string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Payload: raw, At: time.Now().UTC()}, nil
}
