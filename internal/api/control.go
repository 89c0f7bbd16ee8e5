package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"astro-solver/internal/config"
	"astro-solver/internal/models"
	"astro-solver/internal/tasks"
)

func (s *Server) handleWorkerStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Worker == nil {
		unavailable(w, "worker supervisor")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Worker.Status())
}

func (s *Server) handleWorkerRestart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Worker == nil {
		unavailable(w, "worker supervisor")
		return
	}
	if err := s.deps.Worker.Restart(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Worker.Status())
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	unacked := q.Get("unacknowledged") == "true"
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	notes, err := s.deps.Store.ListNotifications(r.Context(), unacked, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if notes == nil {
		notes = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notes})
}

func (s *Server) handleAckNotification(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.AcknowledgeNotification(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// settingsBody is the wire form of config.Settings with human-readable durations.
type settingsBody struct {
	Enabled         bool   `json:"enabled"`
	CheckInterval   string `json:"check_interval"`
	PollInterval    string `json:"poll_interval"`
	MaxConcurrent   int    `json:"max_concurrent"`
	AutoResubmit    bool   `json:"auto_resubmit"`
	SyncEnabled     bool   `json:"sync_enabled"`
	SyncSchedule    string `json:"sync_schedule"`
	CleanupSchedule string `json:"cleanup_schedule"`
}

func toBody(st config.Settings) settingsBody {
	return settingsBody{
		Enabled:         st.Enabled,
		CheckInterval:   st.CheckInterval.String(),
		PollInterval:    st.PollInterval.String(),
		MaxConcurrent:   st.MaxConcurrent,
		AutoResubmit:    st.AutoResubmit,
		SyncEnabled:     st.SyncEnabled,
		SyncSchedule:    st.SyncSchedule,
		CleanupSchedule: st.CleanupSchedule,
	}
}

func (b settingsBody) settings() (config.Settings, error) {
	check, err := time.ParseDuration(b.CheckInterval)
	if err != nil {
		return config.Settings{}, errors.New("check_interval: " + err.Error())
	}
	poll, err := time.ParseDuration(b.PollInterval)
	if err != nil {
		return config.Settings{}, errors.New("poll_interval: " + err.Error())
	}
	for name, expr := range map[string]string{"sync_schedule": b.SyncSchedule, "cleanup_schedule": b.CleanupSchedule} {
		if expr == "" {
			continue
		}
		if _, err := tasks.ParseCron(expr); err != nil {
			return config.Settings{}, errors.New(name + ": " + err.Error())
		}
	}
	st := config.Settings{
		Enabled:         b.Enabled,
		CheckInterval:   check,
		PollInterval:    poll,
		MaxConcurrent:   b.MaxConcurrent,
		AutoResubmit:    b.AutoResubmit,
		SyncEnabled:     b.SyncEnabled,
		SyncSchedule:    b.SyncSchedule,
		CleanupSchedule: b.CleanupSchedule,
	}
	return st, st.Validate()
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toBody(s.deps.Settings.Current()))
}

// handlePutSettings accepts a full or partial settings document. Omitted fields keep their
// current values. Tasks are rescheduled and the worker enabled or disabled to match.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	body := toBody(s.deps.Settings.Current())
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid json")
		return
	}
	next, err := body.settings()
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.deps.Settings.Update(next); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	if s.deps.Tasks != nil {
		if err := s.deps.Tasks.RescheduleAll(ctx); err != nil {
			s.logger.WarnContext(ctx, "reschedule tasks after settings change", "error", err)
		}
	}
	if s.deps.Worker != nil {
		if err := s.deps.Worker.SetEnabled(ctx, next.Enabled); err != nil {
			s.logger.WarnContext(ctx, "apply worker enabled setting", "enabled", next.Enabled, "error", err)
		}
	}
	s.logger.InfoContext(ctx, "settings updated", "enabled", next.Enabled, "max_concurrent", next.MaxConcurrent)
	writeJSON(w, http.StatusOK, toBody(next))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListScheduledTasks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.ScheduledTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		unavailable(w, "task scheduler")
		return
	}
	id := chi.URLParam(r, "id")
	err := s.deps.Tasks.RunNow(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "task": id})
	case errors.Is(err, tasks.ErrUnknownTask):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, tasks.ErrTaskDisabled):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		s.writeError(w, r, err)
	}
}
