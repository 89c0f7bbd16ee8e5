package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "solver_jobs_submitted_total", Help: "Images submitted for plate solving"})
	JobsSucceeded      = prometheus.NewCounter(prometheus.CounterOpts{Name: "solver_jobs_succeeded_total", Help: "Jobs that resolved with a calibration"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "solver_jobs_failed_total", Help: "Jobs that resolved as failed"})
	TransientErrors    = prometheus.NewCounter(prometheus.CounterOpts{Name: "solver_transient_errors_total", Help: "Solving service calls that failed transiently"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "solver_rate_limit_rejects_total", Help: "Submissions deferred by the upload rate limiter"})
	ActiveJobsGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "solver_active_jobs", Help: "Jobs currently pending or processing"})
	WorkerRestarts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "solver_worker_restarts_total", Help: "Worker subprocess restarts scheduled after a crash"})
	WorkerRunningGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "solver_worker_running", Help: "1 while the worker subprocess is running"})
	TaskRuns           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "solver_task_runs_total", Help: "Scheduled task runs by outcome"}, []string{"task", "outcome"})
	EventsDropped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "solver_events_dropped_total", Help: "Events dropped because a subscriber was slow"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsSucceeded,
			JobsFailed,
			TransientErrors,
			RateLimitRejects,
			ActiveJobsGauge,
			WorkerRestarts,
			WorkerRunningGauge,
			TaskRuns,
			EventsDropped,
		)
	})
	return promhttp.Handler()
}
