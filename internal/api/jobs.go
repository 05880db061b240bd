package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/hostrd/internal/scheduler"
)

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"jobs": deps.Jobs.Jobs()})
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		for _, info := range deps.Jobs.Jobs() {
			if info.Name == name {
				writeJSON(w, http.StatusOK, info)
				return
			}
		}
		httpError(w, http.StatusNotFound, "not_found_error", "unknown job %q", name)
	}
}

// handleRunJob runs the job synchronously; long jobs hold the request open.
func handleRunJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		run, err := deps.Jobs.Trigger(r.Context(), name)
		switch {
		case errors.Is(err, scheduler.ErrUnknownJob):
			httpError(w, http.StatusNotFound, "not_found_error", "unknown job %q", name)
		case errors.Is(err, scheduler.ErrAlreadyRunning):
			httpError(w, http.StatusConflict, "conflict_error", "job %q is already running", name)
		case errors.Is(err, scheduler.ErrStopped):
			httpError(w, http.StatusServiceUnavailable, "unavailable_error", "scheduler is shutting down")
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "running job: %v", err)
		default:
			writeJSON(w, http.StatusOK, run)
		}
	}
}
