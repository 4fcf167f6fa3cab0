package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/solo-unicorn/solo-unicorn/internal/agentwire"
	"github.com/solo-unicorn/solo-unicorn/internal/domain"
	"github.com/solo-unicorn/solo-unicorn/internal/taskstore"
)

// Entry points for agent self-reports (MCP tools, gateway messages)
// and for events surfaced by the transport. Stage transitions happen
// only here and in the sweep, never from inferred output.

// Heartbeat records that an agent checked in
func (o *Orchestrator) Heartbeat(agentID string, now time.Time) error {
	return o.store.SetAgentHeartbeat(agentID, now)
}

// RequestTask is the pull path: the agent asks for work itself. It
// returns (nil, nil, nil) when no claimable task exists and ErrAgentBusy
// when the agent already holds an active session.
func (o *Orchestrator) RequestTask(agentID string, now time.Time) (*domain.Task, *domain.Session, error) {
	if _, err := o.store.GetRepoAgent(agentID); err != nil {
		return nil, nil, err
	}
	if sess, err := o.store.ActiveSessionForAgent(agentID); err == nil {
		return nil, sess, ErrAgentBusy
	} else if !errors.Is(err, taskstore.ErrNotFound) {
		return nil, nil, err
	}

	if err := o.store.SetAgentHeartbeat(agentID, now); err != nil {
		return nil, nil, err
	}

	task, err := o.store.NextClaimableTask(agentID)
	if errors.Is(err, taskstore.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	sessionID := uuid.NewString()
	if err := o.store.ClaimTask(task.ID, agentID, sessionID, now); err != nil {
		return nil, nil, err
	}

	task, err = o.store.GetTask(task.ID)
	if err != nil {
		return nil, nil, err
	}
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return nil, nil, err
	}

	log.Printf("orchestrator: agent %s pulled task %s (session %s)", agentID, task.ID, sessionID)
	o.notifyTask(task.ID)
	return task, sess, nil
}

// HandleStageComplete processes an agent's report that it finished the
// given stage. Refined content is persisted first, then the task moves
// to the next stage and its prompt is sent over the existing remote
// session. The execute stage finishes through HandleSessionComplete
// instead.
func (o *Orchestrator) HandleStageComplete(ctx context.Context, taskID string, stage domain.Stage, refinedTitle, refinedDescription, plan string, now time.Time) error {
	next, ok := stage.Next()
	if !ok {
		return fmt.Errorf("stage %q has no next stage; finish the session instead", stage)
	}

	if refinedTitle != "" || refinedDescription != "" || plan != "" {
		if err := o.store.UpdateTaskContent(taskID, refinedTitle, refinedDescription, plan, now); err != nil {
			return err
		}
	}

	if err := o.store.AdvanceStage(taskID, stage, next, now); err != nil {
		return err
	}
	log.Printf("orchestrator: task %s advanced %s -> %s", taskID, stage, next)
	o.notifyTask(taskID)

	sess, err := o.activeSessionForTask(taskID)
	if err != nil {
		log.Printf("orchestrator: no active session for task %s, awaiting sweep", taskID)
		return nil
	}

	prompt, err := o.stagePrompt(taskID, next, sess.ID)
	if err != nil {
		return err
	}
	agent, err := o.store.GetRepoAgent(sess.RepoAgentID)
	if err != nil {
		return err
	}

	remoteID, err := o.transport.StartSession(ctx, prompt, agentwire.SessionOptions{
		WorkingDir:      agent.RepoPath,
		ResumeSessionID: sess.RemoteID,
	})
	if err != nil {
		return fmt.Errorf("continue session %s at stage %s: %w", sess.ID, next, err)
	}
	if remoteID != sess.RemoteID {
		if err := o.store.SetSessionRemoteID(sess.ID, remoteID); err != nil {
			log.Printf("orchestrator: record remote id for session %s: %v", sess.ID, err)
		}
		o.forgetRemote(sess.RemoteID)
		o.trackRemote(remoteID, remoteBinding{SessionID: sess.ID, TaskID: taskID, RepoAgentID: sess.RepoAgentID})
	}
	return nil
}

// HandleSessionComplete processes an agent's explicit completion
// report. Success moves the task to done; failure returns it to todo
// with the ready gate closed.
func (o *Orchestrator) HandleSessionComplete(sessionID, agentID string, success bool, errMsg string, now time.Time) error {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if err := o.store.CompleteSession(sessionID, agentID, success, errMsg, now); err != nil {
		return err
	}
	if sess.RemoteID != "" {
		o.forgetRemote(sess.RemoteID)
	}
	log.Printf("orchestrator: session %s completed (success=%v) for task %s", sessionID, success, sess.TaskID)
	o.notifyTask(sess.TaskID)
	return nil
}

// HandleHealth records a health report from an agent. Unknown statuses
// are rejected.
func (o *Orchestrator) HandleHealth(agentID, reported string, now time.Time) error {
	status, ok := domain.MapHealthStatus(reported)
	if !ok {
		return fmt.Errorf("unknown health status %q", reported)
	}
	if err := o.store.UpdateAgentStatus(agentID, status); err != nil {
		return err
	}
	return o.store.SetAgentHeartbeat(agentID, now)
}

// HandleRateLimitReport marks an agent rate limited until resetAt. The
// tick loop flips it back to idle once the reset time passes.
func (o *Orchestrator) HandleRateLimitReport(agentID string, resetAt time.Time) error {
	log.Printf("orchestrator: agent %s rate limited until %s", agentID, resetAt.Format(time.RFC3339))
	return o.store.SetAgentRateLimited(agentID, resetAt)
}

// HandleRemoteRateLimit maps a usage-limit event seen on the transport
// back to the agent that owns the affected remote session.
func (o *Orchestrator) HandleRemoteRateLimit(remoteID string, resetAt time.Time) {
	b, ok := o.lookupRemote(remoteID)
	if !ok {
		log.Printf("orchestrator: rate limit on unknown remote session %s", remoteID)
		return
	}
	if err := o.HandleRateLimitReport(b.RepoAgentID, resetAt); err != nil {
		log.Printf("orchestrator: mark agent %s rate limited: %v", b.RepoAgentID, err)
	}
}

// HandleRemoteComplete processes a process-exit event from the
// transport. A zero exit code carries no verdict; the task settles when
// the agent self-reports or the sweep catches it. A non-zero exit fails
// the session immediately.
func (o *Orchestrator) HandleRemoteComplete(remoteID string, exitCode int, now time.Time) {
	if exitCode == 0 {
		return
	}
	b, ok := o.lookupRemote(remoteID)
	if !ok {
		return
	}
	errMsg := fmt.Sprintf("agent exited with code %d", exitCode)
	if err := o.HandleSessionComplete(b.SessionID, b.RepoAgentID, false, errMsg, now); err != nil {
		log.Printf("orchestrator: fail session %s after exit %d: %v", b.SessionID, exitCode, err)
	}
}

// HandleRemoteError fails the session behind an error event from the
// transport.
func (o *Orchestrator) HandleRemoteError(remoteID, message string, now time.Time) {
	b, ok := o.lookupRemote(remoteID)
	if !ok {
		log.Printf("orchestrator: error on unknown remote session %s: %s", remoteID, message)
		return
	}
	if err := o.HandleSessionComplete(b.SessionID, b.RepoAgentID, false, message, now); err != nil {
		log.Printf("orchestrator: fail session %s: %v", b.SessionID, err)
	}
}

func (o *Orchestrator) activeSessionForTask(taskID string) (*domain.Session, error) {
	sessions, err := o.store.ListSessions(taskID)
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if s.Status == domain.SessionActive {
			return s, nil
		}
	}
	return nil, taskstore.ErrNotFound
}
