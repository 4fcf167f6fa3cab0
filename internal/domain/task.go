package domain

import (
	"encoding/json"
	"time"
)

// Task represents a unit of work tracked through todo/doing/done
type Task struct {
	ID                 string
	ProjectID          string
	RepoAgentID        string
	ActorID            string // optional persona, empty when unset
	RawTitle           string
	RawDescription     string
	RefinedTitle       string
	RefinedDescription string
	Plan               string
	Status             TaskStatus
	Stage              Stage
	Priority           Priority
	Ready              bool
	Attachments        []string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// StageConsistent reports whether the status/stage invariant holds:
// a stage is set if and only if the task is doing.
func (t *Task) StageConsistent() bool {
	if t.Status == StatusDoing {
		return t.Stage != StageNone
	}
	return t.Stage == StageNone
}

// Claimable reports whether the orchestrator may pick this task up
func (t *Task) Claimable() bool {
	return t.Status == StatusTodo && t.Ready
}

// Title returns the refined title when the refine stage has produced
// one, falling back to the human-authored title.
func (t *Task) Title() string {
	if t.RefinedTitle != "" {
		return t.RefinedTitle
	}
	return t.RawTitle
}

// Description returns the refined description, falling back to the raw one.
func (t *Task) Description() string {
	if t.RefinedDescription != "" {
		return t.RefinedDescription
	}
	return t.RawDescription
}

// Session represents one agent's attempt at working a task
type Session struct {
	ID           string
	TaskID       string
	RepoAgentID  string
	Status       SessionStatus
	RemoteID     string // session id assigned by the external agent UI
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// RepoAgent binds a coding-agent client type to a repo path within a project
type RepoAgent struct {
	ID               string
	ProjectID        string
	RepoPath         string
	ClientType       ClientType
	Status           AgentStatus
	Config           string // free-form JSON client configuration
	RateLimitResetAt *time.Time
	LastHeartbeat    *time.Time
}

// Available reports whether the agent can take a task at now, given the
// heartbeat window. Agents that never heartbeated are not available.
func (a *RepoAgent) Available(now time.Time, window time.Duration) bool {
	if a.Status != AgentIdle {
		return false
	}
	if a.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*a.LastHeartbeat) <= window
}

// RateLimitExpired reports whether a rate-limited agent's reset time has passed
func (a *RepoAgent) RateLimitExpired(now time.Time) bool {
	if a.Status != AgentRateLimited {
		return false
	}
	if a.RateLimitResetAt == nil {
		return false
	}
	return now.After(*a.RateLimitResetAt)
}

// Actor is a reusable persona/methodology description injected into prompts
type Actor struct {
	ID          string
	ProjectID   string
	Name        string
	Description string
	IsDefault   bool
}

// Project owns tasks, repo agents and actors
type Project struct {
	ID        string
	Name      string
	Memory    json.RawMessage // persistent context injected into every prompt
	CreatedAt time.Time
}

// FeedbackEntry is one round of iteration feedback on a task
type FeedbackEntry struct {
	ID        int64
	TaskID    string
	Content   string
	CreatedAt time.Time
}
