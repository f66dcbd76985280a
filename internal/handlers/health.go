package handlers

import (
	"context"
	"net/http"
	"os"
	"time"
)

const version = "0.1.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass", "fail" or "skip"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Provider  string           `json:"provider"`
	Instance  string           `json:"instance,omitempty"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

func ping(ctx context.Context, p Pinger) Check {
	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		return Check{Status: "fail", Message: "connection failed"}
	}
	return Check{Status: "pass", Latency: time.Since(start).String()}
}

// Health handles the health check endpoint. Storage is optional, so an
// unconfigured store is skipped rather than failed.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	allHealthy := true

	if h.deps.Ledger != nil {
		checks["ledger"] = ping(ctx, h.deps.Ledger)
	} else {
		checks["ledger"] = Check{Status: "skip", Message: "not configured"}
	}

	if h.deps.Redis != nil {
		checks["redis"] = ping(ctx, h.deps.Redis)
	} else {
		checks["redis"] = Check{Status: "skip", Message: "not configured"}
	}

	if h.deps.Status != nil {
		checks["hub"] = Check{Status: "pass", Message: pluralize(h.deps.Status.Connections(), "viewer")}
	}

	for _, c := range checks {
		if c.Status == "fail" {
			allHealthy = false
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	h.JSON(w, statusCode, HealthResponse{
		Status:    status,
		Version:   version,
		Provider:  h.deps.Provider,
		Instance:  os.Getenv("HOSTNAME"),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// RootResponse represents the root endpoint response.
type RootResponse struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Provider string `json:"provider"`
	Service  string `json:"service"`
}

// Root handles the API root endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:     h.deps.AgentName,
		Version:  version,
		Provider: h.deps.Provider,
		Service:  "receipt_processing",
	})
}
