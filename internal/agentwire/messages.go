// Package agentwire defines message types for the WebSocket link to the
// external agent-UI process that runs the coding agent. Messages are flat
// JSON objects with a type discriminator.
package agentwire

import (
	"encoding/json"
	"fmt"
)

// Message type constants
const (
	TypeStartSession   = "start_session"
	TypeAbortSession   = "abort_session"
	TypeSessionCreated = "session-created"
	TypeResponse       = "claude-response"
	TypeComplete       = "claude-complete"
	TypeError          = "claude-error"
	TypeSessionAborted = "session_aborted"
)

// SessionTypeClaude is the only session type the agent UI accepts today
const SessionTypeClaude = "claude"

// Message is the tagged union of inbound messages. Decode returns one of
// the concrete types below; dispatch with a type switch.
type Message interface {
	messageType() string
}

// Outbound messages

// StartSession asks the agent UI to launch a coding-agent session
type StartSession struct {
	Type        string         `json:"type"`
	SessionType string         `json:"sessionType"`
	Command     string         `json:"command"`
	Options     SessionOptions `json:"options"`
}

// SessionOptions carries tool and permission configuration for a session
type SessionOptions struct {
	WorkingDir      string   `json:"workingDir,omitempty"`
	AllowedTools    []string `json:"allowedTools,omitempty"`
	PermissionMode  string   `json:"permissionMode,omitempty"`
	ResumeSessionID string   `json:"resumeSessionId,omitempty"`
}

// AbortSession asks the agent UI to stop a running session
type AbortSession struct {
	Type        string `json:"type"`
	SessionType string `json:"sessionType"`
	SessionID   string `json:"sessionId"`
}

// Inbound messages

// SessionCreated carries the durable session identifier
type SessionCreated struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// ResponseData is the inner payload of a streamed response chunk
type ResponseData struct {
	Type    string `json:"type"`
	Delta   string `json:"delta,omitempty"`
	Content string `json:"content,omitempty"`
}

// Response is a streamed chunk of agent output
type Response struct {
	Type      string       `json:"type"`
	SessionID string       `json:"sessionId,omitempty"`
	Data      ResponseData `json:"data"`
}

// Complete signals the agent process exited
type Complete struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	ExitCode  int    `json:"exitCode"`
}

// Error signals a session-level failure
type Error struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error"`
}

// SessionAborted acknowledges an abort request
type SessionAborted struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

func (SessionCreated) messageType() string { return TypeSessionCreated }
func (Response) messageType() string       { return TypeResponse }
func (Complete) messageType() string       { return TypeComplete }
func (Error) messageType() string          { return TypeError }
func (SessionAborted) messageType() string { return TypeSessionAborted }

// NewStartSession builds a start_session message for the claude session type
func NewStartSession(command string, opts SessionOptions) StartSession {
	return StartSession{
		Type:        TypeStartSession,
		SessionType: SessionTypeClaude,
		Command:     command,
		Options:     opts,
	}
}

// NewAbortSession builds an abort_session message
func NewAbortSession(sessionID string) AbortSession {
	return AbortSession{
		Type:        TypeAbortSession,
		SessionType: SessionTypeClaude,
		SessionID:   sessionID,
	}
}

// Decode parses an inbound message into its concrete type. Unknown or
// malformed messages are rejected at this boundary so readers only ever
// see well-formed variants.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decoding message head: %w", err)
	}

	switch head.Type {
	case TypeSessionCreated:
		var m SessionCreated
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeResponse:
		var m Response
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeComplete:
		var m Complete
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeError:
		var m Error
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeSessionAborted:
		var m SessionAborted
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", head.Type)
	}
}

// Text returns the textual content of a response chunk, preferring the
// incremental delta over the full content field.
func (r Response) Text() string {
	if r.Data.Delta != "" {
		return r.Data.Delta
	}
	return r.Data.Content
}
