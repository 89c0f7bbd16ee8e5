package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"astro-solver/internal/astrometry"
	"astro-solver/internal/models"
	"astro-solver/internal/solver"
	"astro-solver/internal/store"
)

const defaultSolveWait = 60 * time.Second

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{Status: q.Get("status"), ImageID: q.Get("image_id")}
	if filter.Status != "" && !models.ValidStatus(filter.Status) {
		badRequest(w, "unknown status "+strconv.Quote(filter.Status))
		return
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	jobs, err := s.deps.Store.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleSolve submits an image and waits for it to resolve. A job still processing when the
// wait ends is returned with 202; the worker loop keeps polling it. Failed jobs answer 422.
func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	if s.deps.Solver == nil {
		unavailable(w, "solver")
		return
	}
	wait := defaultSolveWait
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			badRequest(w, "wait must be a positive duration such as 90s")
			return
		}
		wait = min(d, s.maxWait)
	}

	image, err := s.deps.Store.GetImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.deps.Solver.CompleteWorkflow(r.Context(), image, wait)
	var timeout *solver.WorkflowTimeoutError
	switch {
	case err == nil && job.Status == models.StatusFailed:
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: failureMessage(job), Job: &job})
	case err == nil:
		writeJSON(w, http.StatusOK, job)
	case errors.As(err, &timeout):
		writeJSON(w, http.StatusAccepted, job)
	case astrometry.IsPermanent(err) && job.ID != "":
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Job: &job})
	default:
		s.writeError(w, r, err)
	}
}

func failureMessage(job models.Job) string {
	if job.Result != nil && job.Result.Error != nil && job.Result.Error.Message != "" {
		return job.Result.Error.Message
	}
	return "plate solving failed"
}
