package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/solo-unicorn/solo-unicorn/internal/domain"
	"github.com/solo-unicorn/solo-unicorn/internal/orchestrator"
	"github.com/solo-unicorn/solo-unicorn/internal/taskstore"
)

// millisThreshold splits unix-seconds from unix-millisecond timestamps
// in rate limit reports.
const millisThreshold = 1e12

// ServerConfig configures the MCP tool server
type ServerConfig struct {
	AuthToken string
}

// Server exposes the agent-facing tools over Streamable-HTTP JSON-RPC.
// Domain failures are reported inside the tool result envelope, never
// as protocol-level errors.
type Server struct {
	config ServerConfig
	store  *taskstore.Store
	orch   *orchestrator.Orchestrator
	now    func() time.Time
}

// Tool describes an available tool
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// NewServer creates the MCP tool server
func NewServer(config ServerConfig, store *taskstore.Store, orch *orchestrator.Orchestrator) *Server {
	return &Server{
		config: config,
		store:  store,
		orch:   orch,
		now:    time.Now,
	}
}

// ListTools returns the tools agents may call
func (s *Server) ListTools() []Tool {
	return []Tool{
		{
			Name:        "agent.auth",
			Description: "Identify as the repo agent registered for a client type and repo path. Records a heartbeat; the agent's status is not changed.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"clientType": map[string]interface{}{
						"type":        "string",
						"description": "Coding agent client type",
						"enum":        []string{"claude-code", "cursor", "opencode"},
					},
					"repoPath": map[string]interface{}{
						"type":        "string",
						"description": "Absolute path of the repository the agent runs in",
					},
				},
				"required": []string{"clientType", "repoPath"},
			},
		},
		{
			Name:        "agent.requestTask",
			Description: "Claim the highest priority ready task for this agent",
			InputSchema: map[string]interface{}{
				"type": "object",
			},
		},
		{
			Name:        "agent.health",
			Description: "Report the agent's current availability",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"status": map[string]interface{}{
						"type": "string",
						"enum": []string{"available", "busy", "rate_limited", "error"},
					},
				},
				"required": []string{"status"},
			},
		},
		{
			Name:        "agent.rateLimit",
			Description: "Report that the vendor rate limit was hit and when it resolves",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"sessionId": map[string]interface{}{"type": "string"},
					"resolveAt": map[string]interface{}{
						"description": "Reset time as RFC3339 string or unix seconds/milliseconds",
					},
				},
				"required": []string{"resolveAt"},
			},
		},
		{
			Name:        "agent.sessionComplete",
			Description: "Report that the current session finished",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"sessionId": map[string]interface{}{"type": "string"},
					"success":   map[string]interface{}{"type": "boolean"},
					"error":     map[string]interface{}{"type": "string"},
				},
				"required": []string{"sessionId", "success"},
			},
		},
	}
}

// ServeHTTP handles one JSON-RPC request per POST
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	response := s.handleRequest(r, request)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleRequest(r *http.Request, req map[string]interface{}) map[string]interface{} {
	method, _ := req["method"].(string)
	id := req["id"]

	switch method {
	case "initialize":
		return map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"result": map[string]interface{}{
				"protocolVersion": "2024-11-05",
				"capabilities": map[string]interface{}{
					"tools": map[string]interface{}{},
				},
				"serverInfo": map[string]interface{}{
					"name":    "solo-unicorn",
					"version": "1.0.0",
				},
			},
		}

	case "tools/list":
		return map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"result": map[string]interface{}{
				"tools": s.ListTools(),
			},
		}

	case "tools/call":
		params, _ := req["params"].(map[string]interface{})
		name, _ := params["name"].(string)
		args, _ := params["arguments"].(map[string]interface{})

		envelope := s.callTool(r, name, args)
		text, err := json.Marshal(envelope)
		if err != nil {
			return rpcError(id, -32000, err.Error())
		}
		return map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"result": map[string]interface{}{
				"content": []map[string]interface{}{
					{"type": "text", "text": string(text)},
				},
			},
		}

	default:
		return rpcError(id, -32601, "method not found")
	}
}

func rpcError(id interface{}, code int, message string) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
}

// envelope is the JSON payload wrapped into every tool result
type envelope map[string]interface{}

func failure(message string) envelope {
	return envelope{"success": false, "message": message}
}

// callTool runs one tool. Authorization failures come back as
// envelopes too so agent clients always get a parseable result.
func (s *Server) callTool(r *http.Request, name string, args map[string]interface{}) envelope {
	if r.Header.Get("Authorization") != "Bearer "+s.config.AuthToken {
		return failure("Invalid or missing bearer token")
	}

	switch name {
	case "agent.auth":
		return s.toolAuth(args)
	case "agent.requestTask":
		return s.toolRequestTask(r)
	case "agent.health":
		return s.toolHealth(r, args)
	case "agent.rateLimit":
		return s.toolRateLimit(r, args)
	case "agent.sessionComplete":
		return s.toolSessionComplete(r, args)
	default:
		return failure(fmt.Sprintf("Unknown tool: %s", name))
	}
}

// agentID extracts the x-agent-id header required by agent-scoped tools
func agentID(r *http.Request) (string, bool) {
	id := r.Header.Get("x-agent-id")
	return id, id != ""
}

func (s *Server) toolAuth(args map[string]interface{}) envelope {
	clientType, _ := args["clientType"].(string)
	repoPath, _ := args["repoPath"].(string)
	if clientType == "" || repoPath == "" {
		return failure("clientType and repoPath are required")
	}

	agent, err := s.store.FindRepoAgent(domain.ClientType(clientType), repoPath)
	if errors.Is(err, taskstore.ErrNotFound) {
		return failure(fmt.Sprintf("No repo agent registered for %s at %s", clientType, repoPath))
	}
	if err != nil {
		return failure(err.Error())
	}

	// Authentication is a liveness signal, not a status transition;
	// status stays owned by the session lifecycle.
	if err := s.orch.Heartbeat(agent.ID, s.now()); err != nil {
		return failure(err.Error())
	}

	return envelope{
		"success": true,
		"agentId": agent.ID,
		"status":  string(agent.Status),
	}
}

func (s *Server) toolRequestTask(r *http.Request) envelope {
	id, ok := agentID(r)
	if !ok {
		return failure("Missing x-agent-id header")
	}

	task, sess, err := s.orch.RequestTask(id, s.now())
	if errors.Is(err, orchestrator.ErrAgentBusy) {
		return failure("Agent already has an active session")
	}
	if errors.Is(err, taskstore.ErrNotFound) {
		return failure(fmt.Sprintf("Agent %s not found", id))
	}
	if err != nil {
		return failure(err.Error())
	}
	if task == nil {
		return envelope{"success": true, "task": nil, "message": "No ready tasks"}
	}

	prompt, err := s.orch.PromptForStage(task.ID, task.Stage, sess.ID)
	if err != nil {
		log.Printf("mcp: render prompt for task %s: %v", task.ID, err)
	}

	return envelope{
		"success":   true,
		"sessionId": sess.ID,
		"task": map[string]interface{}{
			"id":          task.ID,
			"title":       task.Title(),
			"description": task.Description(),
			"plan":        task.Plan,
			"stage":       string(task.Stage),
			"priority":    string(task.Priority),
		},
		"prompt": prompt,
	}
}

func (s *Server) toolHealth(r *http.Request, args map[string]interface{}) envelope {
	id, ok := agentID(r)
	if !ok {
		return failure("Missing x-agent-id header")
	}
	status, _ := args["status"].(string)

	if err := s.orch.HandleHealth(id, status, s.now()); err != nil {
		return failure(err.Error())
	}
	return envelope{"success": true}
}

func (s *Server) toolRateLimit(r *http.Request, args map[string]interface{}) envelope {
	id, ok := agentID(r)
	if !ok {
		return failure("Missing x-agent-id header")
	}

	resolveAt, err := parseResolveAt(args["resolveAt"])
	if err != nil {
		return failure(err.Error())
	}

	if sessionID, _ := args["sessionId"].(string); sessionID != "" {
		log.Printf("mcp: session %s hit a rate limit, resolves %s", sessionID, resolveAt.Format(time.RFC3339))
	}

	if err := s.orch.HandleRateLimitReport(id, resolveAt); err != nil {
		return failure(err.Error())
	}
	return envelope{"success": true, "resolveAt": resolveAt.Format(time.RFC3339)}
}

// parseResolveAt accepts an RFC3339 string or a unix timestamp in
// seconds or milliseconds.
func parseResolveAt(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("resolveAt must be RFC3339 or a unix timestamp")
		}
		return parsed, nil
	case float64:
		if t >= millisThreshold {
			return time.UnixMilli(int64(t)), nil
		}
		return time.Unix(int64(t), 0), nil
	default:
		return time.Time{}, fmt.Errorf("resolveAt is required")
	}
}

func (s *Server) toolSessionComplete(r *http.Request, args map[string]interface{}) envelope {
	id, ok := agentID(r)
	if !ok {
		return failure("Missing x-agent-id header")
	}

	sessionID, _ := args["sessionId"].(string)
	if sessionID == "" {
		return failure("sessionId is required")
	}
	success, _ := args["success"].(bool)
	errMsg, _ := args["error"].(string)

	err := s.orch.HandleSessionComplete(sessionID, id, success, errMsg, s.now())
	if errors.Is(err, taskstore.ErrConflict) {
		return failure("Session does not belong to this agent or is not active")
	}
	if errors.Is(err, taskstore.ErrNotFound) {
		return failure(fmt.Sprintf("Session %s not found", sessionID))
	}
	if err != nil {
		return failure(err.Error())
	}
	return envelope{"success": true}
}
