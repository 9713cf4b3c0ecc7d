package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scriptor/internal/common"
	"github.com/ternarybob/scriptor/internal/interfaces"
	"github.com/ternarybob/scriptor/internal/models"
)

// APIHandler serves health and version endpoints
type APIHandler struct {
	store     interfaces.TaskStorage
	logger    arbor.ILogger
	startedAt time.Time
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(store interfaces.TaskStorage, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		store:     store,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// HealthHandler handles GET /api/health
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	if _, err := h.store.CountByStatus(ctx, models.TaskStatusRunning); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		h.logger.Warn().Err(err).Msg("Health check storage probe failed")
	}

	running, _ := h.store.CountByStatus(ctx, models.TaskStatusRunning)
	pending, _ := h.store.CountByStatus(ctx, models.TaskStatusPending)

	WriteJSON(w, code, map[string]interface{}{
		"status":         status,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"tasks_running":  running,
		"tasks_pending":  pending,
	})
}

// VersionHandler handles GET /api/version
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.Version,
		"build":   common.Build,
		"commit":  common.GitCommit,
	})
}
