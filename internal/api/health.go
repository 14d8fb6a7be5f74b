package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type ServiceStatus struct {
	Status  string `json:"status"`
	Details string `json:"details"`
}

type HealthCheckResponse struct {
	Status   string                   `json:"status"`
	Services map[string]ServiceStatus `json:"services"`
	UpSince  time.Time                `json:"up_since"`
	Uptime   string                   `json:"uptime"`
}

// HealthCheck handles GET /healthCheck. It answers 503 when any backing
// service is down.
func (h *Handlers) HealthCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		services := make(map[string]ServiceStatus, len(h.deps.Checks))
		overallStatus := "ok"
		for name, check := range h.deps.Checks {
			status := ServiceStatus{Status: "ok", Details: "reachable"}
			if err := check(ctx); err != nil {
				status = ServiceStatus{Status: "down", Details: err.Error()}
				overallStatus = "down"
			}
			services[name] = status
		}

		resp := HealthCheckResponse{
			Status:   overallStatus,
			Services: services,
			UpSince:  h.deps.UpSince,
			Uptime:   time.Since(h.deps.UpSince).Round(time.Second).String(),
		}

		code := http.StatusOK
		if overallStatus != "ok" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
