package mcp

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/solo-unicorn/solo-unicorn/internal/agentwire"
	"github.com/solo-unicorn/solo-unicorn/internal/domain"
	"github.com/solo-unicorn/solo-unicorn/internal/orchestrator"
	"github.com/solo-unicorn/solo-unicorn/internal/prompts"
	"github.com/solo-unicorn/solo-unicorn/internal/taskstore"
)

const testToken = "test-token"

// nullTransport satisfies the orchestrator's transport without a live
// agent UI; the pull path never touches it.
type nullTransport struct{}

func (nullTransport) StartSession(context.Context, string, agentwire.SessionOptions) (string, error) {
	return "", nil
}
func (nullTransport) AbortSession(string) error { return nil }
func (nullTransport) Connected() bool           { return false }

func newTestServer(t *testing.T) (*httptest.Server, *taskstore.Store) {
	t.Helper()
	store, err := taskstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	renderer := prompts.NewRenderer(prompts.NewLoader())
	orch := orchestrator.New(orchestrator.Config{}, store, nullTransport{}, renderer, nil)
	srv := NewServer(ServerConfig{AuthToken: testToken}, store, orch)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, store
}

func seedAgent(t *testing.T, store *taskstore.Store) {
	t.Helper()
	if err := store.CreateProject(&domain.Project{
		ID:        "p1",
		Name:      "Test Project",
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateRepoAgent(&domain.RepoAgent{
		ID:         "a1",
		ProjectID:  "p1",
		RepoPath:   "/srv/repos/app",
		ClientType: domain.ClientClaudeCode,
	}); err != nil {
		t.Fatal(err)
	}
}

func seedTask(t *testing.T, store *taskstore.Store, id string) {
	t.Helper()
	now := time.Now()
	if err := store.CreateTask(&domain.Task{
		ID:          id,
		ProjectID:   "p1",
		RepoAgentID: "a1",
		RawTitle:    "Fix the login flow",
		Priority:    domain.PriorityP2,
		Ready:       true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		t.Fatal(err)
	}
}

func callTool(t *testing.T, client *Client, name string, args map[string]interface{}) map[string]interface{} {
	t.Helper()
	result, err := client.CallTool(name, args)
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	env, err := result.Envelope()
	if err != nil {
		t.Fatalf("CallTool(%s) envelope: %v", name, err)
	}
	return env
}

func TestServer_ListsTools(t *testing.T) {
	ts, _ := newTestServer(t)
	client := NewClient(ts.URL, testToken)

	tools, err := client.ListTools()
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 5 {
		t.Fatalf("got %d tools, want 5", len(tools))
	}
	names := make(map[string]bool)
	for _, tool := range tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"agent.auth", "agent.requestTask", "agent.health", "agent.rateLimit", "agent.sessionComplete"} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
}

func TestServer_RejectsBadBearerAsEnvelope(t *testing.T) {
	ts, store := newTestServer(t)
	seedAgent(t, store)

	client := NewClient(ts.URL, "wrong-token")
	env := callTool(t, client, "agent.requestTask", nil)
	if env["success"] != false {
		t.Fatalf("envelope = %v, want failure", env)
	}
	if !strings.Contains(env["message"].(string), "bearer token") {
		t.Errorf("message = %v", env["message"])
	}
}

func TestServer_AgentAuth(t *testing.T) {
	ts, store := newTestServer(t)
	seedAgent(t, store)
	client := NewClient(ts.URL, testToken)

	env := callTool(t, client, "agent.auth", map[string]interface{}{
		"clientType": "claude-code",
		"repoPath":   "/srv/repos/app",
	})
	if env["success"] != true {
		t.Fatalf("envelope = %v", env)
	}
	if env["agentId"] != "a1" {
		t.Errorf("agentId = %v", env["agentId"])
	}

	// Auth is a liveness signal, it records a heartbeat
	agent, err := store.GetRepoAgent("a1")
	if err != nil {
		t.Fatal(err)
	}
	if agent.LastHeartbeat == nil {
		t.Error("expected heartbeat after auth")
	}

	env = callTool(t, client, "agent.auth", map[string]interface{}{
		"clientType": "cursor",
		"repoPath":   "/srv/repos/app",
	})
	if env["success"] != false {
		t.Fatalf("expected failure for unregistered pair, got %v", env)
	}
	if !strings.Contains(env["message"].(string), "No repo agent registered") {
		t.Errorf("message = %v", env["message"])
	}
}

func TestServer_RequestTaskEndToEnd(t *testing.T) {
	ts, store := newTestServer(t)
	seedAgent(t, store)
	seedTask(t, store, "t1")

	client := NewClient(ts.URL, testToken)
	client.SetAgentID("a1")

	env := callTool(t, client, "agent.requestTask", nil)
	if env["success"] != true {
		t.Fatalf("envelope = %v", env)
	}
	taskPayload := env["task"].(map[string]interface{})
	if taskPayload["stage"] != "refine" {
		t.Errorf("stage = %v, want refine", taskPayload["stage"])
	}
	if env["sessionId"] == "" || env["sessionId"] == nil {
		t.Error("expected a session id")
	}
	if prompt, _ := env["prompt"].(string); !strings.Contains(prompt, "Fix the login flow") {
		t.Error("prompt does not mention the task")
	}

	task, err := store.GetTask("t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.StatusDoing || task.Stage != domain.StageRefine {
		t.Errorf("task = %s/%s, want doing/refine", task.Status, task.Stage)
	}
	sess, err := store.ActiveSessionForAgent("a1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != domain.SessionActive {
		t.Errorf("session status = %s", sess.Status)
	}

	// A second request before completion must be refused
	env = callTool(t, client, "agent.requestTask", nil)
	if env["success"] != false {
		t.Fatalf("second request = %v, want failure", env)
	}
	if env["message"] != "Agent already has an active session" {
		t.Errorf("message = %v", env["message"])
	}
}

func TestServer_RequestTask_NoReadyTasks(t *testing.T) {
	ts, store := newTestServer(t)
	seedAgent(t, store)

	client := NewClient(ts.URL, testToken)
	client.SetAgentID("a1")

	env := callTool(t, client, "agent.requestTask", nil)
	if env["success"] != true {
		t.Fatalf("envelope = %v", env)
	}
	if env["task"] != nil {
		t.Errorf("task = %v, want null", env["task"])
	}
}

func TestServer_RequestTask_MissingAgentHeader(t *testing.T) {
	ts, store := newTestServer(t)
	seedAgent(t, store)

	client := NewClient(ts.URL, testToken)
	env := callTool(t, client, "agent.requestTask", nil)
	if env["success"] != false {
		t.Fatalf("envelope = %v", env)
	}
	if !strings.Contains(env["message"].(string), "x-agent-id") {
		t.Errorf("message = %v", env["message"])
	}
}

func TestServer_SessionComplete(t *testing.T) {
	ts, store := newTestServer(t)
	seedAgent(t, store)
	seedTask(t, store, "t1")

	client := NewClient(ts.URL, testToken)
	client.SetAgentID("a1")
	env := callTool(t, client, "agent.requestTask", nil)
	sessionID := env["sessionId"].(string)

	// Another agent cannot complete this session
	other := NewClient(ts.URL, testToken)
	other.SetAgentID("a2")
	env = callTool(t, other, "agent.sessionComplete", map[string]interface{}{
		"sessionId": sessionID,
		"success":   true,
	})
	if env["success"] != false {
		t.Fatalf("foreign completion = %v, want failure", env)
	}

	env = callTool(t, client, "agent.sessionComplete", map[string]interface{}{
		"sessionId": sessionID,
		"success":   true,
	})
	if env["success"] != true {
		t.Fatalf("envelope = %v", env)
	}

	task, _ := store.GetTask("t1")
	if task.Status != domain.StatusDone {
		t.Errorf("task status = %s, want done", task.Status)
	}
	agent, _ := store.GetRepoAgent("a1")
	if agent.Status != domain.AgentIdle {
		t.Errorf("agent status = %s, want idle", agent.Status)
	}
}

func TestServer_RateLimitPersistsResolveTime(t *testing.T) {
	ts, store := newTestServer(t)
	seedAgent(t, store)

	client := NewClient(ts.URL, testToken)
	client.SetAgentID("a1")

	resolveAt := time.Now().Add(90 * time.Minute).Truncate(time.Second)
	env := callTool(t, client, "agent.rateLimit", map[string]interface{}{
		"sessionId": "whatever",
		"resolveAt": resolveAt.Format(time.RFC3339),
	})
	if env["success"] != true {
		t.Fatalf("envelope = %v", env)
	}

	agent, err := store.GetRepoAgent("a1")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != domain.AgentRateLimited {
		t.Errorf("status = %s, want rate_limited", agent.Status)
	}
	if agent.RateLimitResetAt == nil || !agent.RateLimitResetAt.Equal(resolveAt) {
		t.Errorf("resolve time = %v, want %v", agent.RateLimitResetAt, resolveAt)
	}
}

func TestServer_RateLimitEpochFormats(t *testing.T) {
	cases := []struct {
		name  string
		value float64
		want  time.Time
	}{
		{"seconds", 1700000000, time.Unix(1700000000, 0)},
		{"milliseconds", 1700000000000, time.UnixMilli(1700000000000)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseResolveAt(tc.value)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tc.want) {
				t.Errorf("parseResolveAt(%v) = %v, want %v", tc.value, got, tc.want)
			}
		})
	}

	if _, err := parseResolveAt(nil); err == nil {
		t.Error("expected an error for a missing resolveAt")
	}
}

func TestServer_Health(t *testing.T) {
	ts, store := newTestServer(t)
	seedAgent(t, store)

	client := NewClient(ts.URL, testToken)
	client.SetAgentID("a1")

	env := callTool(t, client, "agent.health", map[string]interface{}{"status": "rate_limited"})
	if env["success"] != true {
		t.Fatalf("envelope = %v", env)
	}
	agent, _ := store.GetRepoAgent("a1")
	if agent.Status != domain.AgentRateLimited {
		t.Errorf("status = %s", agent.Status)
	}

	env = callTool(t, client, "agent.health", map[string]interface{}{"status": "bogus"})
	if env["success"] != false {
		t.Error("expected unknown status to fail")
	}
}
