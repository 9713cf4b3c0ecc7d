package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Task API
	mux.HandleFunc("/api/tasks", s.handleTasksRoute)   // GET (list), POST (create)
	mux.HandleFunc("/api/tasks/", s.handleTaskRoutes)  // GET /{id}, POST /{id}/{action}, GET /{id}/export
	mux.HandleFunc("/ws/tasks/", s.handleTaskWSRoutes) // GET /{id} (websocket subscribe)

	// Operational endpoints
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)

	return mux
}

// handleTasksRoute dispatches /api/tasks by method
func (s *Server) handleTasksRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.TaskHandler.ListHandler(w, r)
	case http.MethodPost:
		s.app.TaskHandler.CreateHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTaskRoutes dispatches /api/tasks/{id} and /api/tasks/{id}/{action}
func (s *Server) handleTaskRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)

	if parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	taskID := parts[0]

	if len(parts) == 1 {
		s.app.TaskHandler.GetHandler(w, r, taskID)
		return
	}

	switch parts[1] {
	case "pause":
		s.app.TaskHandler.PauseHandler(w, r, taskID)
	case "resume":
		s.app.TaskHandler.ResumeHandler(w, r, taskID)
	case "cancel":
		s.app.TaskHandler.CancelHandler(w, r, taskID)
	case "export":
		s.app.TaskHandler.ExportHandler(w, r, taskID)
	default:
		http.NotFound(w, r)
	}
}

// handleTaskWSRoutes dispatches /ws/tasks/{id}
func (s *Server) handleTaskWSRoutes(w http.ResponseWriter, r *http.Request) {
	taskID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/tasks/"), "/")
	if taskID == "" || strings.Contains(taskID, "/") {
		http.NotFound(w, r)
		return
	}
	s.app.WSHandler.SubscribeHandler(w, r, taskID)
}
