package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"
)

// Version is the service version reported by the banner and health endpoints
const Version = "1.0.0"

// HealthHandler reports liveness and database reachability
type HealthHandler struct {
	db *sql.DB
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db *sql.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// HandleRoot handles GET / with a service banner
func (h *HealthHandler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{
		"service": "otp-service",
		"status":  "running",
		"version": Version,
	})
}

// HandleHealth handles GET /health. Liveness only: a failing database ping
// is reported in the body but does not change the status code.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	database := "ok"
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			database = "unreachable"
		}
	}

	respondWithJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
		"database":  database,
	})
}
