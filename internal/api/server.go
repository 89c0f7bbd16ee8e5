// Package api exposes jobs, events, notifications, settings, tasks and the worker process over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"astro-solver/internal/astrometry"
	"astro-solver/internal/config"
	"astro-solver/internal/events"
	"astro-solver/internal/models"
	"astro-solver/internal/solver"
	"astro-solver/internal/store"
	"astro-solver/internal/supervisor"
	"astro-solver/internal/telemetry"
)

// Store is the persistence the API reads and acknowledges through.
type Store interface {
	ListJobs(ctx context.Context, f store.JobFilter) ([]models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetImage(ctx context.Context, id string) (models.Image, error)
	ListNotifications(ctx context.Context, unacknowledgedOnly bool, limit int) ([]models.Notification, error)
	AcknowledgeNotification(ctx context.Context, id string) error
	ListScheduledTasks(ctx context.Context) ([]models.ScheduledTask, error)
}

// Solver runs an interactive solve.
type Solver interface {
	CompleteWorkflow(ctx context.Context, image models.Image, maxWait time.Duration) (models.Job, error)
}

// Worker controls the supervised worker process.
type Worker interface {
	Status() supervisor.Status
	Restart(ctx context.Context) error
	SetEnabled(ctx context.Context, enabled bool) error
}

// Tasks controls the periodic task scheduler.
type Tasks interface {
	RescheduleAll(ctx context.Context) error
	RunNow(id string) error
}

// Settings reads and writes the runtime settings.
type Settings interface {
	Current() config.Settings
	Update(next config.Settings) error
}

// Subscriber hands out event subscriptions.
type Subscriber interface {
	Subscribe() (<-chan events.Event, func())
}

// Deps are the collaborators of the server. Worker, Tasks and Solver may be nil; their routes then answer 503.
type Deps struct {
	Store    Store
	Solver   Solver
	Worker   Worker
	Tasks    Tasks
	Settings Settings
	Events   Subscriber
}

// Server wires HTTP handlers.
type Server struct {
	deps      Deps
	logger    *slog.Logger
	keepAlive time.Duration
	maxWait   time.Duration
}

// New constructs the API server.
func New(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		deps:      deps,
		logger:    logger.With("component", "api"),
		keepAlive: 15 * time.Second,
		maxWait:   10 * time.Minute,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/images/{id}/solve", s.handleSolve)

		r.Get("/events", s.handleEvents)

		r.Get("/worker", s.handleWorkerStatus)
		r.Post("/worker/restart", s.handleWorkerRestart)

		r.Get("/notifications", s.handleListNotifications)
		r.Post("/notifications/{id}/ack", s.handleAckNotification)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)

		r.Get("/tasks", s.handleListTasks)
		r.Post("/tasks/{id}/run", s.handleRunTask)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.DebugContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type errorResponse struct {
	Error string      `json:"error"`
	Job   *models.Job `json:"job,omitempty"`
}

// writeError maps the error taxonomy onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var timeout *solver.WorkflowTimeoutError
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &timeout):
		code = http.StatusAccepted
	case errors.Is(err, models.ErrNotFound):
		code = http.StatusNotFound
	case astrometry.IsConfiguration(err):
		code = http.StatusServiceUnavailable
	case astrometry.IsPermanent(err):
		code = http.StatusUnprocessableEntity
	case astrometry.IsTransient(err):
		code = http.StatusBadGateway
	}
	if code == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func unavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: what + " not available in this process"})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
