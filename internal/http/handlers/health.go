package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hongminglow/shop-user-api/internal/http/respond"
	"github.com/hongminglow/shop-user-api/internal/logging"
)

// Pinger reports whether the backing store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler returns uptime and database status.
type HealthHandler struct {
	db        Pinger
	log       logging.Logger
	startedAt time.Time
}

// NewHealthHandler creates a health endpoint handler.
func NewHealthHandler(db Pinger, log logging.Logger, startedAt time.Time) *HealthHandler {
	return &HealthHandler{db: db, log: log, startedAt: startedAt}
}

// Register wires the banner and health routes.
func (h *HealthHandler) Register(r chi.Router) {
	r.Get("/", h.handleRoot)
	r.Get("/health", h.handleHealth)
}

func (h *HealthHandler) handleRoot(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, "Shop user API is running", map[string]string{"version": "1.0.0"})
}

func (h *HealthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startedAt).Truncate(time.Second).String()
	if err := h.db.Ping(r.Context()); err != nil {
		h.log.Error(r.Context(), "health check failed", "error", err)
		respond.JSON(w, http.StatusServiceUnavailable, "unhealthy", map[string]string{
			"status":   "unhealthy",
			"database": "disconnected",
			"uptime":   uptime,
		})
		return
	}
	respond.JSON(w, http.StatusOK, "healthy", map[string]string{
		"status":   "healthy",
		"database": "connected",
		"uptime":   uptime,
	})
}
