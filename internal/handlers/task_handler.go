package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scriptor/internal/interfaces"
	"github.com/ternarybob/scriptor/internal/models"
	"github.com/ternarybob/scriptor/internal/reports"
	"github.com/ternarybob/scriptor/internal/tasks"
)

// TaskHandler handles task-related API requests
type TaskHandler struct {
	service *tasks.Service
	reports *reports.Service
	logger  arbor.ILogger
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(service *tasks.Service, reportService *reports.Service, logger arbor.ILogger) *TaskHandler {
	return &TaskHandler{
		service: service,
		reports: reportService,
		logger:  logger,
	}
}

// CreateHandler creates a new generation task
// POST /api/tasks
func (h *TaskHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var input models.TaskInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	task, err := h.service.Create(r.Context(), input)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, task)
}

// ListHandler returns a paginated list of task summaries
// GET /api/tasks?limit=50&offset=0&status=running&order_by=created_at&order_dir=DESC
func (h *TaskHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}

	opts := &interfaces.TaskListOptions{
		Status:   r.URL.Query().Get("status"),
		Limit:    limit,
		Offset:   offset,
		OrderBy:  r.URL.Query().Get("order_by"),
		OrderDir: r.URL.Query().Get("order_dir"),
	}

	summaries, err := h.service.List(r.Context(), opts)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": summaries,
		"count": len(summaries),
	})
}

// GetHandler returns the full task record including accumulated output
// GET /api/tasks/{id}
func (h *TaskHandler) GetHandler(w http.ResponseWriter, r *http.Request, taskID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	task, err := h.service.Get(r.Context(), taskID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, task)
}

// PauseHandler pauses a running task
// POST /api/tasks/{id}/pause
func (h *TaskHandler) PauseHandler(w http.ResponseWriter, r *http.Request, taskID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	task, err := h.service.Pause(r.Context(), taskID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, task)
}

// ResumeHandler resumes a paused task
// POST /api/tasks/{id}/resume
func (h *TaskHandler) ResumeHandler(w http.ResponseWriter, r *http.Request, taskID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	task, err := h.service.Resume(r.Context(), taskID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, task)
}

// CancelHandler cancels a task
// POST /api/tasks/{id}/cancel
func (h *TaskHandler) CancelHandler(w http.ResponseWriter, r *http.Request, taskID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	task, err := h.service.Cancel(r.Context(), taskID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, task)
}

// ExportHandler renders the completed report in the requested format
// GET /api/tasks/{id}/export?format=markdown|html|pdf
func (h *TaskHandler) ExportHandler(w http.ResponseWriter, r *http.Request, taskID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	task, err := h.service.Get(r.Context(), taskID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if task.Status != models.TaskStatusCompleted {
		WriteError(w, http.StatusConflict, fmt.Sprintf("task is %s, export requires completed", task.Status))
		return
	}

	report, err := h.reports.GetByTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, models.ErrReportNotFound) {
			// Completed before the report store existed, or finalize failed.
			// Export straight from the task buffer instead of refusing.
			report = &models.Report{
				TaskID:  task.ID,
				Subject: task.Input.Subject,
				Topic:   task.Input.Topic,
				Content: task.Output,
			}
		} else {
			WriteServiceError(w, err)
			return
		}
	}

	format, err := reports.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := reports.Export(report, format)
	if err != nil {
		h.logger.Error().Err(err).Str("task_id", taskID).Msg("Report export failed")
		WriteError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
