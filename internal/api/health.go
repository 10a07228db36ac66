package api

import (
	"context"
	"net/http"
)

// Health returns the health status of the API and its dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.pingTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{
		"status":    "healthy",
		"checks":    checks,
		"timestamp": h.now().UTC(),
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.conns != nil {
		status["connections"] = h.conns.Count()
		status["users"] = h.conns.UserCount()
	}

	JSON(w, statusCode, status)
}

// ConnectionHealth lists heartbeat state for every live connection.
func (h *Handler) ConnectionHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"connections":      []any{},
		"totalConnections": 0,
		"uniqueUsers":      0,
		"timestamp":        h.now().UTC(),
	}
	if h.heartbeat != nil {
		resp["connections"] = h.heartbeat.Health()
	}
	if h.conns != nil {
		resp["totalConnections"] = h.conns.Count()
		resp["uniqueUsers"] = h.conns.UserCount()
	}
	JSON(w, http.StatusOK, resp)
}
