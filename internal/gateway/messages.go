package gateway

import "encoding/json"

// Message types accepted from and sent to gateway clients. The wire
// format is a flat JSON object with a "type" discriminator.
const (
	// inbound
	TypeAgentRegister = "agent_register"
	TypeTaskRequest   = "task_request"
	TypeTaskUpdate    = "task_update"
	TypeSessionStart  = "session_start"
	TypeSessionEnd    = "session_end"
	TypePing          = "ping"

	// outbound
	TypeRegistered        = "registered"
	TypeTaskAssigned      = "task_assigned"
	TypeNoTask            = "no_task"
	TypeTaskAck           = "task_ack"
	TypePong              = "pong"
	TypeError             = "error"
	TypeTaskStatusChanged = "task_status_changed"
	TypeTaskUpdated       = "task_updated"
	TypeTasksAvailable    = "tasks_available"
	TypeNewTaskAvailable  = "new_task_available"
)

// inboundMessage is the superset of all client message fields
type inboundMessage struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId,omitempty"`

	// task_update
	TaskID             string `json:"taskId,omitempty"`
	Stage              string `json:"stage,omitempty"`
	RefinedTitle       string `json:"refinedTitle,omitempty"`
	RefinedDescription string `json:"refinedDescription,omitempty"`
	Plan               string `json:"plan,omitempty"`

	// session_start / session_end
	SessionID string `json:"sessionId,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Error     string `json:"error,omitempty"`
}

// errorMessage is sent instead of closing the connection on bad input
type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newError(message string) errorMessage {
	return errorMessage{Type: TypeError, Message: message}
}

// taskPayload is the task shape shared by assignment and broadcast
// messages.
type taskPayload struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Plan        string `json:"plan,omitempty"`
	Status      string `json:"status"`
	Stage       string `json:"stage,omitempty"`
	Priority    string `json:"priority"`
	Ready       bool   `json:"ready"`
}

type outboundMessage struct {
	Type      string       `json:"type"`
	AgentID   string       `json:"agentId,omitempty"`
	SessionID string       `json:"sessionId,omitempty"`
	Task      *taskPayload `json:"task,omitempty"`
	ProjectID string       `json:"projectId,omitempty"`
	Prompt    string       `json:"prompt,omitempty"`
	Message   string       `json:"message,omitempty"`
}

func marshal(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}
