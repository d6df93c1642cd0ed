package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/queryarena/internal/store"
)

// HealthHandler reports service and database health.
type HealthHandler struct {
	repo    store.Repository
	timeout time.Duration
}

// NewHealthHandler creates a health handler that bounds the database ping by timeout.
func NewHealthHandler(repo store.Repository, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthHandler{repo: repo, timeout: timeout}
}

// RegisterHealth mounts GET /health.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health pings the database.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.repo.Ping(ctx); err != nil {
		slog.Warn("Health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "unhealthy",
			"database": "unreachable",
		})
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"database": "ok",
	})
}
