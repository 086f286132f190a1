// Package api provides HTTP handlers for the face gateway API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Natsummerance/facegate/internal/store"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// EnginePinger reports reachability of the recognition engine transport.
// Only the Docker transport implements it; the process transport has no
// standing connection to probe.
type EnginePinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo   store.Repository
	engine EnginePinger // optional
}

// NewHealthHandler creates a new health handler. engine may be nil when
// the configured transport has nothing to probe.
func NewHealthHandler(repo store.Repository, engine EnginePinger) *HealthHandler {
	return &HealthHandler{repo: repo, engine: engine}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	statusCode := http.StatusOK
	overall := "healthy"

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "component", "database", "error", err)
		checks["database"] = "unreachable"
		overall = "degraded"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.engine != nil {
		if err := h.engine.Ping(ctx); err != nil {
			slog.Error("Health check failed", "component", "engine", "error", err)
			checks["engine"] = "unreachable"
			overall = "degraded"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["engine"] = "ok"
		}
	}

	JSON(w, statusCode, map[string]interface{}{
		"status": overall,
		"checks": checks,
	})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
