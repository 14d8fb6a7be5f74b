package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"infinite-experiment/warden/internal/auth"
	"infinite-experiment/warden/internal/logging"

	"github.com/go-chi/chi/v5"
)

type TriggerJobResult struct {
	Job         string `json:"job"`
	TriggeredBy string `json:"triggered_by"`
	TriggeredAt string `json:"triggered_at"`
	CompletedAt string `json:"completed_at"`
	DurationMs  int64  `json:"duration_ms"`
}

type JobInfo struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
}

type JobStatusData struct {
	Jobs []JobInfo `json:"jobs"`
}

// jobName maps a URL slug such as mute-expiry onto a job name
func jobName(slug string) string {
	return strings.ReplaceAll(slug, "-", "_")
}

// TriggerJob handles POST /api/v1/admin/jobs/{job}. It runs one tick of the
// job synchronously; the scheduled runs are not affected.
func (h *Handlers) TriggerJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slug := chi.URLParam(r, "job")
		job, ok := h.deps.Jobs.Lookup(jobName(slug))
		if !ok {
			respondWithError(w, http.StatusNotFound, fmt.Sprintf("Unknown job %q", slug))
			return
		}

		triggeredBy := ""
		if claims := auth.GetClaims(r.Context()); claims != nil {
			triggeredBy = claims.UserID()
		}
		logging.Info("Job manually triggered", "job", job.Name(), "triggered_by", triggeredBy)

		start := time.Now()
		if err := job.Run(r.Context()); err != nil {
			logging.Error("Manual job run failed", "job", job.Name(), "error", err)
			respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Job %s failed: %v", job.Name(), err))
			return
		}

		done := time.Now()
		respondWithSuccess(w, http.StatusOK, &TriggerJobResult{
			Job:         job.Name(),
			TriggeredBy: triggeredBy,
			TriggeredAt: start.UTC().Format(time.RFC3339),
			CompletedAt: done.UTC().Format(time.RFC3339),
			DurationMs:  done.Sub(start).Milliseconds(),
		})
	}
}

// JobStatus handles GET /api/v1/admin/jobs/status
func (h *Handlers) JobStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := JobStatusData{}
		for _, s := range h.deps.Jobs.Schedules() {
			data.Jobs = append(data.Jobs, JobInfo{
				Name:     s.Name,
				Schedule: "Every " + s.Interval.String(),
			})
		}
		respondWithSuccess(w, http.StatusOK, &data)
	}
}
