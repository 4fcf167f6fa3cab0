package orchestrator

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/solo-unicorn/solo-unicorn/internal/agentwire"
	"github.com/solo-unicorn/solo-unicorn/internal/domain"
	"github.com/solo-unicorn/solo-unicorn/internal/prompts"
	"github.com/solo-unicorn/solo-unicorn/internal/taskstore"
)

// Tick runs one orchestration pass: recover expired rate limits, sweep
// stale sessions, then push ready tasks to available agents. now is
// injected so the pass is deterministic under test.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) error {
	recovered, err := o.store.ResetExpiredRateLimits(now)
	if err != nil {
		return err
	}
	for _, id := range recovered {
		log.Printf("orchestrator: agent %s rate limit expired, back to idle", id)
		// A recovered agent can pick its backlog up again.
		if agent, err := o.store.GetRepoAgent(id); err == nil {
			o.notifyAvailable(agent.ProjectID)
		}
	}

	if err := o.sweep(now); err != nil {
		return err
	}

	if !o.config.PushEnabled || !o.transport.Connected() {
		return nil
	}

	agents, err := o.store.ListRepoAgents("")
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if !agent.Available(now, o.config.AvailabilityWindow) {
			continue
		}
		task, err := o.store.NextClaimableTask(agent.ID)
		if errors.Is(err, taskstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := o.dispatch(ctx, agent, task, now); err != nil {
			log.Printf("orchestrator: dispatch task %s to agent %s: %v", task.ID, agent.ID, err)
		}
	}
	return nil
}

// dispatch claims the task for the agent and opens a session on the
// external agent UI. A failed session start rolls the claim back so the
// task stays claimable.
func (o *Orchestrator) dispatch(ctx context.Context, agent *domain.RepoAgent, task *domain.Task, now time.Time) error {
	sessionID := uuid.NewString()
	if err := o.store.ClaimTask(task.ID, agent.ID, sessionID, now); err != nil {
		return err
	}

	prompt, err := o.stagePrompt(task.ID, domain.StageRefine, sessionID)
	if err != nil {
		o.release(task.ID, agent.ID, sessionID, "prompt render failed: "+err.Error(), now)
		return err
	}

	remoteID, err := o.transport.StartSession(ctx, prompt, agentwire.SessionOptions{
		WorkingDir: agent.RepoPath,
	})
	if err != nil {
		o.release(task.ID, agent.ID, sessionID, "session start failed: "+err.Error(), now)
		return err
	}

	if err := o.store.SetSessionRemoteID(sessionID, remoteID); err != nil {
		log.Printf("orchestrator: record remote id for session %s: %v", sessionID, err)
	}
	o.trackRemote(remoteID, remoteBinding{SessionID: sessionID, TaskID: task.ID, RepoAgentID: agent.ID})

	log.Printf("orchestrator: task %s assigned to agent %s (session %s)", task.ID, agent.ID, sessionID)
	o.notifyTask(task.ID)
	return nil
}

func (o *Orchestrator) release(taskID, agentID, sessionID, reason string, now time.Time) {
	if err := o.store.ReleaseTask(taskID, agentID, sessionID, reason, now); err != nil {
		log.Printf("orchestrator: release task %s: %v", taskID, err)
	}
}

// sweep fails sessions that have been active past the max age and
// returns their tasks to the backlog. The remote side is aborted best
// effort; a second sweep over the same rows is a no-op.
func (o *Orchestrator) sweep(now time.Time) error {
	resets, err := o.store.SweepStale(now.Add(-o.config.SessionMaxAge), now)
	if err != nil {
		return err
	}
	projects := make(map[string]struct{})
	for _, r := range resets {
		log.Printf("orchestrator: session %s stale, task %s returned to todo", r.SessionID, r.TaskID)
		if remoteID := o.remoteForSession(r.SessionID); remoteID != "" {
			if err := o.transport.AbortSession(remoteID); err != nil {
				log.Printf("orchestrator: abort remote session %s: %v", remoteID, err)
			}
			o.forgetRemote(remoteID)
		}
		if task := o.notifyTask(r.TaskID); task != nil {
			projects[task.ProjectID] = struct{}{}
		}
	}
	for id := range projects {
		o.notifyAvailable(id)
	}
	return nil
}

// PromptForStage renders the stage prompt for a task from its current
// persisted state. Used by pull-path callers that deliver the prompt
// themselves instead of going through the transport.
func (o *Orchestrator) PromptForStage(taskID string, stage domain.Stage, sessionID string) (string, error) {
	return o.stagePrompt(taskID, stage, sessionID)
}

func (o *Orchestrator) stagePrompt(taskID string, stage domain.Stage, sessionID string) (string, error) {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return "", err
	}
	tc, err := o.promptContext(task, sessionID)
	if err != nil {
		return "", err
	}

	// A reopened task carries iteration feedback; its first stage runs
	// the iterate prompt instead of a fresh refine.
	if stage == domain.StageRefine && len(tc.Feedback) > 0 {
		return o.renderer.Render("iterate", tc)
	}
	return o.renderer.RenderStage(stage, tc)
}

func (o *Orchestrator) promptContext(task *domain.Task, sessionID string) (prompts.TaskContext, error) {
	project, err := o.store.GetProject(task.ProjectID)
	if err != nil {
		return prompts.TaskContext{}, err
	}
	tc := prompts.TaskContext{Task: task, Project: project, SessionID: sessionID}

	if task.ActorID != "" {
		if actor, err := o.store.GetActor(task.ActorID); err == nil {
			tc.Actor = actor
		}
	} else if actor, err := o.store.GetDefaultActor(task.ProjectID); err == nil {
		tc.Actor = actor
	}

	feedback, err := o.store.ListFeedback(task.ID)
	if err != nil {
		return prompts.TaskContext{}, err
	}
	tc.Feedback = feedback
	// The newest entry is the round the agent is asked to address now;
	// older rounds render as history.
	if len(feedback) > 0 {
		tc.CurrentFeedbackID = feedback[len(feedback)-1].ID
	}
	return tc, nil
}
