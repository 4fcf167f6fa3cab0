package domain

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	StatusTodo  TaskStatus = "todo"
	StatusDoing TaskStatus = "doing"
	StatusDone  TaskStatus = "done"
)

// Stage is the sub-phase of a task while its status is doing.
// The zero value means "no stage", which is only valid outside doing.
type Stage string

const (
	StageNone    Stage = ""
	StageRefine  Stage = "refine"
	StagePlan    Stage = "plan"
	StageExecute Stage = "execute"
)

// Next returns the stage that follows s. ok is false when s is the
// last stage (or not a pipeline stage at all), meaning the task is done.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageRefine:
		return StagePlan, true
	case StagePlan:
		return StageExecute, true
	default:
		return StageNone, false
	}
}

// ParseStage normalizes a wire stage name. Older clients send "kickoff"
// for the planning stage.
func ParseStage(s string) (Stage, bool) {
	switch s {
	case "refine", "clarify":
		return StageRefine, true
	case "plan", "kickoff":
		return StagePlan, true
	case "execute":
		return StageExecute, true
	case "":
		return StageNone, true
	}
	return StageNone, false
}

// SessionStatus represents the execution state of a session
type SessionStatus string

const (
	SessionStarting  SessionStatus = "starting"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// AgentStatus represents the availability of a repo agent
type AgentStatus string

const (
	AgentIdle        AgentStatus = "idle"
	AgentActive      AgentStatus = "active"
	AgentRateLimited AgentStatus = "rate_limited"
	AgentError       AgentStatus = "error"
)

// ClientType identifies the coding-agent CLI bound to a repo agent
type ClientType string

const (
	ClientClaudeCode ClientType = "claude-code"
	ClientCursor     ClientType = "cursor"
	ClientOpenCode   ClientType = "opencode"
)

// MapHealthStatus translates the coarse status an agent client reports
// through agent.health into the internal agent status enum.
func MapHealthStatus(reported string) (AgentStatus, bool) {
	switch reported {
	case "available":
		return AgentIdle, true
	case "busy":
		return AgentActive, true
	case "rate_limited":
		return AgentRateLimited, true
	case "error":
		return AgentError, true
	}
	return "", false
}
