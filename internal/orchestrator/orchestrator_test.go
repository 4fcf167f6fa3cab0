package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/solo-unicorn/solo-unicorn/internal/agentwire"
	"github.com/solo-unicorn/solo-unicorn/internal/domain"
	"github.com/solo-unicorn/solo-unicorn/internal/prompts"
	"github.com/solo-unicorn/solo-unicorn/internal/taskstore"
)

type startCall struct {
	Prompt string
	Opts   agentwire.SessionOptions
}

// fakeTransport stands in for the agent UI connection
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	failStart error
	starts    []startCall
	aborted   []string
	nextID    int
}

func (f *fakeTransport) StartSession(_ context.Context, prompt string, opts agentwire.SessionOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart != nil {
		return "", f.failStart
	}
	f.starts = append(f.starts, startCall{Prompt: prompt, Opts: opts})
	f.nextID++
	return fmt.Sprintf("remote-%d", f.nextID), nil
}

func (f *fakeTransport) AbortSession(remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, remoteID)
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeTransport) start(i int) startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[i]
}

// fakeNotifier records fan-out events
type fakeNotifier struct {
	mu        sync.Mutex
	statuses  []string
	available []string
}

func (f *fakeNotifier) TaskStatusChanged(task *domain.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, task.ID)
}

func (f *fakeNotifier) TasksAvailable(projectID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = append(f.available, projectID)
}

func (f *fakeNotifier) availableFor() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.available...)
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *taskstore.Store, *fakeTransport) {
	t.Helper()
	store, err := taskstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	transport := &fakeTransport{connected: true}
	renderer := prompts.NewRenderer(prompts.NewLoader())
	o := New(Config{PushEnabled: true}, store, transport, renderer, nil)
	return o, store, transport
}

func seedAgent(t *testing.T, store *taskstore.Store, heartbeat time.Time) {
	t.Helper()
	if err := store.CreateProject(&domain.Project{
		ID:        "p1",
		Name:      "Test Project",
		CreatedAt: heartbeat,
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
	if !heartbeat.IsZero() {
		if err := store.SetAgentHeartbeat("a1", heartbeat); err != nil {
			t.Fatal(err)
		}
	}
}

func seedTask(t *testing.T, store *taskstore.Store, id, title string, priority domain.Priority, created time.Time) {
	t.Helper()
	if err := store.CreateTask(&domain.Task{
		ID:          id,
		ProjectID:   "p1",
		RepoAgentID: "a1",
		RawTitle:    title,
		Priority:    priority,
		Ready:       true,
		CreatedAt:   created,
		UpdatedAt:   created,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestTick_AssignsTaskToAvailableAgent(t *testing.T) {
	o, store, transport := newTestOrchestrator(t)
	now := time.Now()
	seedAgent(t, store, now)
	seedTask(t, store, "t1", "Fix the login flow", domain.PriorityP3, now)

	if err := o.Tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	if transport.startCount() != 1 {
		t.Fatalf("expected 1 session start, got %d", transport.startCount())
	}
	call := transport.start(0)
	if call.Opts.WorkingDir != "/srv/repos/app" {
		t.Errorf("working dir = %q", call.Opts.WorkingDir)
	}
	if !strings.Contains(call.Prompt, "Fix the login flow") {
		t.Error("prompt does not mention the task title")
	}

	task, err := store.GetTask("t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.StatusDoing || task.Stage != domain.StageRefine {
		t.Errorf("task = %s/%s, want doing/refine", task.Status, task.Stage)
	}

	agent, err := store.GetRepoAgent("a1")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != domain.AgentActive {
		t.Errorf("agent status = %s, want active", agent.Status)
	}

	sess, err := store.ActiveSessionForAgent("a1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.RemoteID != "remote-1" {
		t.Errorf("remote id = %q, want remote-1", sess.RemoteID)
	}
}

func TestTick_ReopenedTaskGetsIteratePrompt(t *testing.T) {
	o, store, transport := newTestOrchestrator(t)
	now := time.Now()
	seedAgent(t, store, now)
	seedTask(t, store, "t1", "Fix the login flow", domain.PriorityP3, now)
	if err := store.AddFeedback("t1", "The redirect still loops on logout", now); err != nil {
		t.Fatal(err)
	}

	if err := o.Tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	if transport.startCount() != 1 {
		t.Fatalf("expected 1 session start, got %d", transport.startCount())
	}
	prompt := transport.start(0).Prompt
	if !strings.Contains(prompt, "iterating on task") {
		t.Error("expected the iterate prompt for a task with feedback")
	}
	// The newest round is the work item, not part of the history
	if !strings.Contains(prompt, "Feedback to address now:\nThe redirect still loops on logout") {
		t.Error("prompt does not present the feedback as the current work item")
	}
	if strings.Contains(prompt, "Earlier feedback rounds") {
		t.Error("a single feedback round should leave the history empty")
	}
}

func TestTick_PicksHighestPriorityFirst(t *testing.T) {
	o, store, transport := newTestOrchestrator(t)
	now := time.Now()
	seedAgent(t, store, now)
	seedTask(t, store, "t-low", "Tidy the changelog", domain.PriorityP4, now.Add(-time.Hour))
	seedTask(t, store, "t-high", "Ship the urgent fix", domain.PriorityP1, now)

	if err := o.Tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	if transport.startCount() != 1 {
		t.Fatalf("expected 1 session start, got %d", transport.startCount())
	}
	if !strings.Contains(transport.start(0).Prompt, "Ship the urgent fix") {
		t.Error("expected the P1 task to be dispatched first")
	}

	low, _ := store.GetTask("t-low")
	if low.Status != domain.StatusTodo {
		t.Errorf("lower priority task moved to %s", low.Status)
	}
}

func TestTick_SkipsAgentWithoutRecentHeartbeat(t *testing.T) {
	o, store, transport := newTestOrchestrator(t)
	now := time.Now()
	seedAgent(t, store, now.Add(-10*time.Minute))
	seedTask(t, store, "t1", "Fix the login flow", domain.PriorityP3, now)

	if err := o.Tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}
	if transport.startCount() != 0 {
		t.Fatalf("expected no dispatch to an unreachable agent, got %d", transport.startCount())
	}
}

func TestTick_RequiresConnectedTransport(t *testing.T) {
	o, store, transport := newTestOrchestrator(t)
	transport.connected = false
	now := time.Now()
	seedAgent(t, store, now)
	seedTask(t, store, "t1", "Fix the login flow", domain.PriorityP3, now)

	if err := o.Tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}
	if transport.startCount() != 0 {
		t.Fatal("dispatched despite disconnected transport")
	}
}

func TestTick_RollsBackFailedSessionStart(t *testing.T) {
	o, store, transport := newTestOrchestrator(t)
	transport.failStart = errors.New("agent UI unavailable")
	now := time.Now()
	seedAgent(t, store, now)
	seedTask(t, store, "t1", "Fix the login flow", domain.PriorityP3, now)

	if err := o.Tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	task, _ := store.GetTask("t1")
	if task.Status != domain.StatusTodo || !task.Ready {
		t.Errorf("task = %s ready=%v, want todo ready", task.Status, task.Ready)
	}
	agent, _ := store.GetRepoAgent("a1")
	if agent.Status != domain.AgentIdle {
		t.Errorf("agent status = %s, want idle", agent.Status)
	}
	if _, err := store.ActiveSessionForAgent("a1"); !errors.Is(err, taskstore.ErrNotFound) {
		t.Error("expected no active session after rollback")
	}
}

func TestTick_RecoversExpiredRateLimit(t *testing.T) {
	o, store, transport := newTestOrchestrator(t)
	now := time.Now()
	seedAgent(t, store, now)
	seedTask(t, store, "t1", "Fix the login flow", domain.PriorityP3, now)
	if err := store.SetAgentRateLimited("a1", now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	if err := o.Tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	if transport.startCount() != 1 {
		t.Fatalf("expected recovered agent to receive the task, got %d starts", transport.startCount())
	}
}

func TestTick_SweepsStaleSessions(t *testing.T) {
	o, store, transport := newTestOrchestrator(t)
	started := time.Now().Add(-45 * time.Minute)
	seedAgent(t, store, started)
	seedTask(t, store, "t1", "Fix the login flow", domain.PriorityP3, started)

	if err := o.Tick(context.Background(), started); err != nil {
		t.Fatal(err)
	}
	if transport.startCount() != 1 {
		t.Fatalf("setup dispatch failed, %d starts", transport.startCount())
	}

	now := started.Add(45 * time.Minute)
	if err := o.Tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	// A swept task goes back to the backlog gated, pending operator review.
	task, _ := store.GetTask("t1")
	if task.Status != domain.StatusTodo || task.Ready {
		t.Errorf("task = %s ready=%v, want gated todo after sweep", task.Status, task.Ready)
	}
	agent, _ := store.GetRepoAgent("a1")
	if agent.Status != domain.AgentIdle {
		t.Errorf("agent status = %s, want idle", agent.Status)
	}
	if len(transport.aborted) != 1 || transport.aborted[0] != "remote-1" {
		t.Errorf("aborted = %v, want [remote-1]", transport.aborted)
	}
}

func TestTick_SweepAnnouncesBacklogChange(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	notifier := &fakeNotifier{}
	o.notifier = notifier

	started := time.Now().Add(-45 * time.Minute)
	seedAgent(t, store, started)
	seedTask(t, store, "t1", "Fix the login flow", domain.PriorityP3, started)

	if err := o.Tick(context.Background(), started); err != nil {
		t.Fatal(err)
	}
	now := started.Add(45 * time.Minute)
	if err := o.Tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	if got := notifier.availableFor(); len(got) != 1 || got[0] != "p1" {
		t.Errorf("availability events = %v, want [p1]", got)
	}
	if len(notifier.statuses) == 0 {
		t.Error("expected task status events from the sweep")
	}
}

func TestTick_RateLimitRecoveryAnnouncesAgent(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	notifier := &fakeNotifier{}
	o.notifier = notifier

	now := time.Now()
	seedAgent(t, store, now)
	if err := store.SetAgentRateLimited("a1", now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	if err := o.Tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	if got := notifier.availableFor(); len(got) != 1 || got[0] != "p1" {
		t.Errorf("availability events = %v, want [p1]", got)
	}
}

func TestRequestTask_PullPath(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	now := time.Now()
	seedAgent(t, store, now)
	seedTask(t, store, "t1", "Fix the login flow", domain.PriorityP3, now)

	task, sess, err := o.RequestTask("a1", now)
	if err != nil {
		t.Fatal(err)
	}
	if task == nil || task.ID != "t1" {
		t.Fatalf("task = %+v", task)
	}
	if sess == nil || sess.Status != domain.SessionActive {
		t.Fatalf("session = %+v", sess)
	}
	if task.Stage != domain.StageRefine {
		t.Errorf("stage = %s, want refine", task.Stage)
	}
}

func TestRequestTask_SecondCallReportsBusy(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	now := time.Now()
	seedAgent(t, store, now)
	seedTask(t, store, "t1", "Fix the login flow", domain.PriorityP3, now)
	seedTask(t, store, "t2", "Another task", domain.PriorityP3, now)

	if _, _, err := o.RequestTask("a1", now); err != nil {
		t.Fatal(err)
	}
	_, sess, err := o.RequestTask("a1", now)
	if !errors.Is(err, ErrAgentBusy) {
		t.Fatalf("err = %v, want ErrAgentBusy", err)
	}
	if sess == nil || sess.TaskID != "t1" {
		t.Errorf("expected the existing session to be returned, got %+v", sess)
	}
}

func TestRequestTask_NoClaimableTask(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	now := time.Now()
	seedAgent(t, store, now)

	task, sess, err := o.RequestTask("a1", now)
	if err != nil {
		t.Fatal(err)
	}
	if task != nil || sess != nil {
		t.Errorf("expected empty result, got task=%+v session=%+v", task, sess)
	}
}

func TestHandleStageComplete_AdvancesAndContinuesSession(t *testing.T) {
	o, store, transport := newTestOrchestrator(t)
	now := time.Now()
	seedAgent(t, store, now)
	seedTask(t, store, "t1", "Fix the login flow", domain.PriorityP3, now)
	if err := o.Tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	err := o.HandleStageComplete(context.Background(), "t1", domain.StageRefine,
		"Fix OAuth redirect on login", "The redirect URI is not escaped.", "", now)
	if err != nil {
		t.Fatal(err)
	}

	task, _ := store.GetTask("t1")
	if task.Stage != domain.StagePlan {
		t.Errorf("stage = %s, want plan", task.Stage)
	}
	if task.RefinedTitle != "Fix OAuth redirect on login" {
		t.Errorf("refined title = %q", task.RefinedTitle)
	}

	if transport.startCount() != 2 {
		t.Fatalf("expected a follow-up session start, got %d", transport.startCount())
	}
	followUp := transport.start(1)
	if followUp.Opts.ResumeSessionID != "remote-1" {
		t.Errorf("resume id = %q, want remote-1", followUp.Opts.ResumeSessionID)
	}
}

func TestHandleStageComplete_StaleReportRejected(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	now := time.Now()
	seedAgent(t, store, now)
	seedTask(t, store, "t1", "Fix the login flow", domain.PriorityP3, now)
	if err := o.Tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	// Task sits at refine; a plan-complete report is out of order.
	err := o.HandleStageComplete(context.Background(), "t1", domain.StagePlan, "", "", "a plan", now)
	if !errors.Is(err, taskstore.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestHandleStageComplete_ExecuteHasNoNextStage(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	err := o.HandleStageComplete(context.Background(), "t1", domain.StageExecute, "", "", "", time.Now())
	if err == nil {
		t.Fatal("expected an error for execute stage reports")
	}
}

func TestHandleSessionComplete_Success(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	now := time.Now()
	seedAgent(t, store, now)
	seedTask(t, store, "t1", "Fix the login flow", domain.PriorityP3, now)
	if err := o.Tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}
	sess, err := store.ActiveSessionForAgent("a1")
	if err != nil {
		t.Fatal(err)
	}

	if err := o.HandleSessionComplete(sess.ID, "a1", true, "", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	task, _ := store.GetTask("t1")
	if task.Status != domain.StatusDone || task.Stage != domain.StageNone {
		t.Errorf("task = %s/%s, want done with no stage", task.Status, task.Stage)
	}
	agent, _ := store.GetRepoAgent("a1")
	if agent.Status != domain.AgentIdle {
		t.Errorf("agent status = %s, want idle", agent.Status)
	}
}

func TestHandleRemoteError_FailsSession(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	now := time.Now()
	seedAgent(t, store, now)
	seedTask(t, store, "t1", "Fix the login flow", domain.PriorityP3, now)
	if err := o.Tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	o.HandleRemoteError("remote-1", "process crashed", now.Add(time.Minute))

	task, _ := store.GetTask("t1")
	if task.Status != domain.StatusTodo || task.Ready {
		t.Errorf("task = %s ready=%v, want todo with ready gate closed", task.Status, task.Ready)
	}
	sessions, _ := store.ListSessions("t1")
	if len(sessions) != 1 || sessions[0].Status != domain.SessionFailed {
		t.Fatalf("sessions = %+v", sessions)
	}
	if sessions[0].ErrorMessage != "process crashed" {
		t.Errorf("error message = %q", sessions[0].ErrorMessage)
	}
}

func TestHandleRemoteRateLimit_MarksAgent(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	now := time.Now()
	seedAgent(t, store, now)
	seedTask(t, store, "t1", "Fix the login flow", domain.PriorityP3, now)
	if err := o.Tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	resetAt := now.Add(2 * time.Hour)
	o.HandleRemoteRateLimit("remote-1", resetAt)

	agent, _ := store.GetRepoAgent("a1")
	if agent.Status != domain.AgentRateLimited {
		t.Fatalf("agent status = %s, want rate_limited", agent.Status)
	}
	if agent.RateLimitResetAt == nil || !agent.RateLimitResetAt.Equal(resetAt) {
		t.Errorf("reset at = %v, want %v", agent.RateLimitResetAt, resetAt)
	}
}

func TestHandleHealth(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	now := time.Now()
	seedAgent(t, store, time.Time{})

	if err := o.HandleHealth("a1", "available", now); err != nil {
		t.Fatal(err)
	}
	agent, _ := store.GetRepoAgent("a1")
	if agent.Status != domain.AgentIdle {
		t.Errorf("status = %s, want idle", agent.Status)
	}
	if agent.LastHeartbeat == nil {
		t.Error("expected heartbeat to be recorded")
	}

	if err := o.HandleHealth("a1", "weird", now); err == nil {
		t.Error("expected unknown health status to be rejected")
	}
}
