package api

import (
	"encoding/json"
	"net/http"

	"github.com/solo-unicorn/solo-unicorn/internal/domain"
	"github.com/solo-unicorn/solo-unicorn/internal/taskstore"
)

// Announcer receives task lifecycle announcements so connected agents
// learn about work created or edited through the HTTP surface. The
// WebSocket gateway implements it.
type Announcer interface {
	NewTaskAvailable(task *domain.Task)
	TaskUpdated(task *domain.Task)
}

// Server is the HTTP API server backing the kanban frontend
type Server struct {
	store    *taskstore.Store
	announce Announcer
	addr     string
	mux      *http.ServeMux
	sseHub   *sseHub
}

// NewServer creates a new API server. announce may be nil.
func NewServer(store *taskstore.Store, announce Announcer, addr string) *Server {
	s := &Server{
		store:    store,
		announce: announce,
		addr:     addr,
		mux:      http.NewServeMux(),
		sseHub:   newSSEHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/tasks", s.tasksHandler())
	s.mux.HandleFunc("/api/tasks/", s.taskHandler())
	s.mux.HandleFunc("/api/agents", s.listAgentsHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())

	// Static files (React build output)
	s.mux.Handle("/", http.FileServer(http.Dir("web/ui/build")))
}

// Handle mounts an extra handler on the server's mux, so the MCP and
// WebSocket endpoints can share the one listener.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler returns the server's root handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return http.ListenAndServe(s.addr, s.mux)
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.broadcast(event)
}

// TaskStatusChanged implements orchestrator.Notifier by mirroring the
// change to SSE subscribers.
func (s *Server) TaskStatusChanged(task *domain.Task) {
	s.Broadcast(SSEEvent{Type: "task_status_changed", Data: taskToResponse(task)})
}

// TasksAvailable implements orchestrator.Notifier
func (s *Server) TasksAvailable(projectID string) {
	s.Broadcast(SSEEvent{Type: "tasks_available", Data: map[string]string{"projectId": projectID}})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
