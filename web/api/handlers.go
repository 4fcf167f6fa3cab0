package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/solo-unicorn/solo-unicorn/internal/domain"
	"github.com/solo-unicorn/solo-unicorn/internal/taskstore"
)

// TaskResponse is the API response for a task
type TaskResponse struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	RepoAgentID string `json:"repoAgentId,omitempty"`
	ActorID     string `json:"actorId,omitempty"`
	Title       string `json:"title"`
	RawTitle    string `json:"rawTitle"`
	Description string `json:"description,omitempty"`
	Plan        string `json:"plan,omitempty"`
	Status      string `json:"status"`
	Stage       string `json:"stage,omitempty"`
	Priority    string `json:"priority"`
	Ready       bool   `json:"ready"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

// AgentResponse is the API response for a repo agent
type AgentResponse struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"projectId"`
	RepoPath         string  `json:"repoPath"`
	ClientType       string  `json:"clientType"`
	Status           string  `json:"status"`
	LastHeartbeat    *string `json:"lastHeartbeat,omitempty"`
	RateLimitResetAt *string `json:"rateLimitResetAt,omitempty"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Total        int `json:"total"`
	Todo         int `json:"todo"`
	Doing        int `json:"doing"`
	Done         int `json:"done"`
	Agents       int `json:"agents"`
	ActiveAgents int `json:"activeAgents"`
}

func taskToResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		ProjectID:   t.ProjectID,
		RepoAgentID: t.RepoAgentID,
		ActorID:     t.ActorID,
		Title:       t.Title(),
		RawTitle:    t.RawTitle,
		Description: t.Description(),
		Plan:        t.Plan,
		Status:      string(t.Status),
		Stage:       string(t.Stage),
		Priority:    string(t.Priority),
		Ready:       t.Ready,
		CreatedAt:   t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   t.UpdatedAt.Format(time.RFC3339),
	}
}

func agentToResponse(a *domain.RepoAgent) AgentResponse {
	resp := AgentResponse{
		ID:         a.ID,
		ProjectID:  a.ProjectID,
		RepoPath:   a.RepoPath,
		ClientType: string(a.ClientType),
		Status:     string(a.Status),
	}
	if a.LastHeartbeat != nil {
		t := a.LastHeartbeat.Format(time.RFC3339)
		resp.LastHeartbeat = &t
	}
	if a.RateLimitResetAt != nil {
		t := a.RateLimitResetAt.Format(time.RFC3339)
		resp.RateLimitResetAt = &t
	}
	return resp
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		tasks, err := s.store.ListTasks(taskstore.TaskListOptions{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		var status StatusResponse
		status.Total = len(tasks)
		for _, t := range tasks {
			switch t.Status {
			case domain.StatusTodo:
				status.Todo++
			case domain.StatusDoing:
				status.Doing++
			case domain.StatusDone:
				status.Done++
			}
		}

		agents, err := s.store.ListRepoAgents("")
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		status.Agents = len(agents)
		for _, a := range agents {
			if a.Status == domain.AgentActive {
				status.ActiveAgents++
			}
		}

		writeJSON(w, status)
	}
}

func (s *Server) tasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.listTasks(w, r)
		case http.MethodPost:
			s.createTask(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	opts := taskstore.TaskListOptions{
		ProjectID: r.URL.Query().Get("project"),
		Status:    domain.TaskStatus(r.URL.Query().Get("status")),
	}

	tasks, err := s.store.ListTasks(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	responses := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		responses[i] = taskToResponse(t)
	}
	writeJSON(w, responses)
}

type createTaskRequest struct {
	ProjectID   string `json:"projectId"`
	RepoAgentID string `json:"repoAgentId"`
	ActorID     string `json:"actorId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Ready       *bool  `json:"ready"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ProjectID == "" || req.Title == "" {
		writeError(w, http.StatusBadRequest, "projectId and title are required")
		return
	}
	if _, err := s.store.GetProject(req.ProjectID); err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "unknown project "+req.ProjectID)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// The agent binding is optional; an unassigned task goes to the
	// first idle agent in the project.
	if req.RepoAgentID != "" {
		if _, err := s.store.GetRepoAgent(req.RepoAgentID); err != nil {
			if errors.Is(err, taskstore.ErrNotFound) {
				writeError(w, http.StatusBadRequest, "unknown repo agent "+req.RepoAgentID)
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	priority := domain.PriorityDefault
	if req.Priority != "" {
		p, err := domain.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		priority = p
	}

	ready := true
	if req.Ready != nil {
		ready = *req.Ready
	}

	now := time.Now().UTC()
	task := &domain.Task{
		ID:             uuid.NewString(),
		ProjectID:      req.ProjectID,
		RepoAgentID:    req.RepoAgentID,
		ActorID:        req.ActorID,
		RawTitle:       req.Title,
		RawDescription: req.Description,
		Priority:       priority,
		Ready:          ready,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateTask(task); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if ready && s.announce != nil {
		s.announce.NewTaskAvailable(task)
	}
	s.Broadcast(SSEEvent{Type: "task_created", Data: taskToResponse(task)})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(taskToResponse(task))
}

func (s *Server) taskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "task ID required")
			return
		}

		if id, ok := strings.CutSuffix(path, "/feedback"); ok {
			s.addFeedback(w, r, id)
			return
		}
		if strings.Contains(path, "/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}

		switch r.Method {
		case http.MethodGet:
			s.getTask(w, path)
		case http.MethodPatch:
			s.updateTask(w, r, path)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) getTask(w http.ResponseWriter, id string) {
	task, err := s.store.GetTask(id)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, taskToResponse(task))
}

type updateTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Ready       *bool  `json:"ready"`
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request, id string) {
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var priority domain.Priority
	if req.Priority != "" {
		p, err := domain.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		priority = p
	}

	now := time.Now().UTC()
	if err := s.store.UpdateTaskDetails(id, req.Title, req.Description, priority, now); err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.Ready != nil {
		if err := s.store.SetTaskReady(id, *req.Ready, now); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	task, err := s.store.GetTask(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.announce != nil {
		s.announce.TaskUpdated(task)
	}
	s.Broadcast(SSEEvent{Type: "task_updated", Data: taskToResponse(task)})

	writeJSON(w, taskToResponse(task))
}

type feedbackRequest struct {
	Content string `json:"content"`
}

// addFeedback records operator feedback and reopens the task so the
// next session runs the iterate flow. A task mid-session keeps running;
// the feedback is picked up when it next leaves doing.
func (s *Server) addFeedback(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	if _, err := s.store.GetTask(id); err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now().UTC()
	if err := s.store.AddFeedback(id, req.Content, now); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	reopened := true
	if err := s.store.ReopenTask(id, now); err != nil {
		if !errors.Is(err, taskstore.ErrConflict) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		reopened = false
	}

	task, err := s.store.GetTask(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if reopened && s.announce != nil {
		s.announce.NewTaskAvailable(task)
	}
	s.Broadcast(SSEEvent{Type: "task_updated", Data: taskToResponse(task)})

	writeJSON(w, map[string]interface{}{
		"reopened": reopened,
		"task":     taskToResponse(task),
	})
}

func (s *Server) listAgentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		agents, err := s.store.ListRepoAgents(r.URL.Query().Get("project"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]AgentResponse, len(agents))
		for i, a := range agents {
			responses[i] = agentToResponse(a)
		}
		writeJSON(w, responses)
	}
}
