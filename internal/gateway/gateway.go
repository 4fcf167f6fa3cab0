package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/solo-unicorn/solo-unicorn/internal/domain"
	"github.com/solo-unicorn/solo-unicorn/internal/orchestrator"
	"github.com/solo-unicorn/solo-unicorn/internal/taskstore"
)

// Config configures the gateway
type Config struct {
	AuthToken        string
	HeartbeatTimeout time.Duration
}

// Gateway is the WebSocket surface agents and UIs connect to. Bad
// input gets a type:"error" reply; the connection stays open.
type Gateway struct {
	config   Config
	store    *taskstore.Store
	orch     *orchestrator.Orchestrator
	upgrader websocket.Upgrader
	now      func() time.Time

	mu    sync.Mutex
	conns map[*client]struct{}
}

// client is one connected peer. Writes go through the mutex because
// gorilla connections allow a single writer.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	agentID string
}

func (c *client) send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err := c.conn.WriteMessage(websocket.TextMessage, marshal(v))
	c.conn.SetWriteDeadline(time.Time{})
	return err
}

// New creates a gateway
func New(config Config, store *taskstore.Store, orch *orchestrator.Orchestrator) *Gateway {
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 90 * time.Second // allow missing 2 heartbeats
	}
	return &Gateway{
		config: config,
		store:  store,
		orch:   orch,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now:   time.Now,
		conns: make(map[*client]struct{}),
	}
}

// HandleWebSocket upgrades an incoming connection. Authentication
// happens here, before the upgrade; everything after is envelopes.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.config.AuthToken != "" && r.URL.Query().Get("token") != g.config.AuthToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn}
	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()

	go g.readLoop(c)
}

func (g *Gateway) readLoop(c *client) {
	conn := c.conn
	defer func() {
		conn.Close()
		g.mu.Lock()
		delete(g.conns, c)
		g.mu.Unlock()
		if c.agentID != "" {
			log.Printf("gateway: agent %s disconnected", c.agentID)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(g.config.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(g.config.HeartbeatTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("gateway: read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(g.config.HeartbeatTimeout))

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(newError("invalid message: " + err.Error()))
			continue
		}
		g.dispatch(c, &msg)
	}
}

func (g *Gateway) dispatch(c *client, msg *inboundMessage) {
	switch msg.Type {
	case TypePing:
		c.send(outboundMessage{Type: TypePong})

	case TypeAgentRegister:
		g.handleRegister(c, msg)

	case TypeTaskRequest:
		g.handleTaskRequest(c)

	case TypeTaskUpdate:
		g.handleTaskUpdate(c, msg)

	case TypeSessionStart:
		g.handleSessionStart(c, msg)

	case TypeSessionEnd:
		g.handleSessionEnd(c, msg)

	default:
		c.send(newError("unknown message type: " + msg.Type))
	}
}

func (g *Gateway) handleRegister(c *client, msg *inboundMessage) {
	if msg.AgentID == "" {
		c.send(newError("agentId is required"))
		return
	}
	if _, err := g.store.GetRepoAgent(msg.AgentID); err != nil {
		c.send(newError("unknown agent: " + msg.AgentID))
		return
	}

	c.agentID = msg.AgentID
	if err := g.orch.Heartbeat(msg.AgentID, g.now()); err != nil {
		c.send(newError(err.Error()))
		return
	}
	log.Printf("gateway: agent %s registered", msg.AgentID)
	c.send(outboundMessage{Type: TypeRegistered, AgentID: msg.AgentID})
}

// requireAgent resolves the connection's registered agent identity
func (g *Gateway) requireAgent(c *client) (string, bool) {
	if c.agentID == "" {
		c.send(newError("register with agent_register first"))
		return "", false
	}
	return c.agentID, true
}

func (g *Gateway) handleTaskRequest(c *client) {
	agentID, ok := g.requireAgent(c)
	if !ok {
		return
	}

	task, sess, err := g.orch.RequestTask(agentID, g.now())
	if errors.Is(err, orchestrator.ErrAgentBusy) {
		c.send(newError("Agent already has an active session"))
		return
	}
	if err != nil {
		c.send(newError(err.Error()))
		return
	}
	if task == nil {
		c.send(outboundMessage{Type: TypeNoTask})
		return
	}

	prompt, err := g.orch.PromptForStage(task.ID, task.Stage, sess.ID)
	if err != nil {
		log.Printf("gateway: render prompt for task %s: %v", task.ID, err)
	}
	c.send(outboundMessage{
		Type:      TypeTaskAssigned,
		SessionID: sess.ID,
		Task:      payloadFor(task),
		Prompt:    prompt,
	})
}

func (g *Gateway) handleTaskUpdate(c *client, msg *inboundMessage) {
	if _, ok := g.requireAgent(c); !ok {
		return
	}
	if msg.TaskID == "" {
		c.send(newError("taskId is required"))
		return
	}
	stage, ok := domain.ParseStage(msg.Stage)
	if !ok || stage == domain.StageNone {
		c.send(newError("unknown stage: " + msg.Stage))
		return
	}

	err := g.orch.HandleStageComplete(context.Background(), msg.TaskID, stage,
		msg.RefinedTitle, msg.RefinedDescription, msg.Plan, g.now())
	if errors.Is(err, taskstore.ErrConflict) {
		c.send(newError("task is not at stage " + string(stage)))
		return
	}
	if err != nil {
		c.send(newError(err.Error()))
		return
	}
	c.send(outboundMessage{Type: TypeTaskAck, SessionID: msg.SessionID})
}

func (g *Gateway) handleSessionStart(c *client, msg *inboundMessage) {
	agentID, ok := g.requireAgent(c)
	if !ok {
		return
	}
	// The session already became active when the task was claimed;
	// this is a liveness signal from the agent side.
	if err := g.orch.Heartbeat(agentID, g.now()); err != nil {
		c.send(newError(err.Error()))
		return
	}
	c.send(outboundMessage{Type: TypeTaskAck, SessionID: msg.SessionID})
}

func (g *Gateway) handleSessionEnd(c *client, msg *inboundMessage) {
	agentID, ok := g.requireAgent(c)
	if !ok {
		return
	}
	if msg.SessionID == "" {
		c.send(newError("sessionId is required"))
		return
	}
	success := msg.Success != nil && *msg.Success

	err := g.orch.HandleSessionComplete(msg.SessionID, agentID, success, msg.Error, g.now())
	if errors.Is(err, taskstore.ErrConflict) {
		c.send(newError("session does not belong to this agent or is not active"))
		return
	}
	if err != nil {
		c.send(newError(err.Error()))
		return
	}
	c.send(outboundMessage{Type: TypeTaskAck, SessionID: msg.SessionID})
}

// broadcast sends a message to every connected client. Failed writes
// are left for the read loop to clean up.
func (g *Gateway) broadcast(v interface{}) {
	g.mu.Lock()
	clients := make([]*client, 0, len(g.conns))
	for c := range g.conns {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		if err := c.send(v); err != nil {
			log.Printf("gateway: broadcast write failed: %v", err)
		}
	}
}

// TaskStatusChanged implements orchestrator.Notifier
func (g *Gateway) TaskStatusChanged(task *domain.Task) {
	g.broadcast(outboundMessage{Type: TypeTaskStatusChanged, Task: payloadFor(task)})
}

// TasksAvailable implements orchestrator.Notifier
func (g *Gateway) TasksAvailable(projectID string) {
	g.broadcast(outboundMessage{Type: TypeTasksAvailable, ProjectID: projectID})
}

// TaskUpdated announces edits that did not change lifecycle state
func (g *Gateway) TaskUpdated(task *domain.Task) {
	g.broadcast(outboundMessage{Type: TypeTaskUpdated, Task: payloadFor(task)})
}

// NewTaskAvailable announces a freshly created ready task
func (g *Gateway) NewTaskAvailable(task *domain.Task) {
	g.broadcast(outboundMessage{Type: TypeNewTaskAvailable, Task: payloadFor(task), ProjectID: task.ProjectID})
}

func payloadFor(task *domain.Task) *taskPayload {
	return &taskPayload{
		ID:          task.ID,
		ProjectID:   task.ProjectID,
		Title:       task.Title(),
		Description: task.Description(),
		Plan:        task.Plan,
		Status:      string(task.Status),
		Stage:       string(task.Stage),
		Priority:    string(task.Priority),
		Ready:       task.Ready,
	}
}
