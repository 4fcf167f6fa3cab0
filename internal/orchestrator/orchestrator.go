package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/solo-unicorn/solo-unicorn/internal/agentwire"
	"github.com/solo-unicorn/solo-unicorn/internal/domain"
	"github.com/solo-unicorn/solo-unicorn/internal/prompts"
	"github.com/solo-unicorn/solo-unicorn/internal/taskstore"
)

// ErrAgentBusy is returned when an agent requests a task while it still
// has an active session.
var ErrAgentBusy = errors.New("agent already has an active session")

// Transport is the connection to the external agent UI. Implemented by
// agentclient.Client.
type Transport interface {
	StartSession(ctx context.Context, prompt string, opts agentwire.SessionOptions) (string, error)
	AbortSession(remoteID string) error
	Connected() bool
}

// Notifier receives task change events for fan-out to connected UIs.
// All methods must be non-blocking.
type Notifier interface {
	TaskStatusChanged(task *domain.Task)
	TasksAvailable(projectID string)
}

// Config configures the orchestrator loop
type Config struct {
	TickInterval       time.Duration // how often the push loop runs
	AvailabilityWindow time.Duration // max heartbeat age for an agent to count as reachable
	SessionMaxAge      time.Duration // sessions active longer than this are swept
	SessionRetention   time.Duration // finished sessions older than this are trimmed
	MaintenanceCron    string        // cron spec for the deep maintenance pass, empty disables it
	PushEnabled        bool
}

func (c *Config) applyDefaults() {
	if c.TickInterval == 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.AvailabilityWindow == 0 {
		c.AvailabilityWindow = 90 * time.Second // allow missing 2 heartbeats
	}
	if c.SessionMaxAge == 0 {
		c.SessionMaxAge = 30 * time.Minute
	}
	if c.SessionRetention == 0 {
		c.SessionRetention = 7 * 24 * time.Hour
	}
}

// remoteBinding ties a session id from the external agent UI back to
// the local session, task and agent it belongs to.
type remoteBinding struct {
	SessionID   string
	TaskID      string
	RepoAgentID string
}

// Orchestrator pushes ready tasks to available agents and settles
// their lifecycle transitions. All persistent state lives in the
// store; the orchestrator itself only tracks remote session bindings.
type Orchestrator struct {
	config    Config
	store     *taskstore.Store
	transport Transport
	renderer  *prompts.Renderer
	notifier  Notifier
	now       func() time.Time

	mu      sync.Mutex
	remotes map[string]remoteBinding

	cron *cron.Cron
}

// New creates an orchestrator. notifier may be nil.
func New(config Config, store *taskstore.Store, transport Transport, renderer *prompts.Renderer, notifier Notifier) *Orchestrator {
	config.applyDefaults()
	return &Orchestrator{
		config:    config,
		store:     store,
		transport: transport,
		renderer:  renderer,
		notifier:  notifier,
		now:       time.Now,
		remotes:   make(map[string]remoteBinding),
	}
}

// Run drives the tick loop until the context is cancelled. The
// maintenance pass runs on its own cron schedule.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.config.MaintenanceCron != "" {
		o.cron = cron.New()
		if _, err := o.cron.AddFunc(o.config.MaintenanceCron, func() {
			if err := o.Maintenance(o.now()); err != nil {
				log.Printf("orchestrator: maintenance: %v", err)
			}
		}); err != nil {
			return err
		}
		o.cron.Start()
		defer o.cron.Stop()
	}

	ticker := time.NewTicker(o.config.TickInterval)
	defer ticker.Stop()

	log.Printf("orchestrator: running (tick %s, push=%v)", o.config.TickInterval, o.config.PushEnabled)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.Tick(ctx, o.now()); err != nil {
				log.Printf("orchestrator: tick: %v", err)
			}
		}
	}
}

// Maintenance reconciles orphaned state and trims old finished
// sessions. Safe to run at any time.
func (o *Orchestrator) Maintenance(now time.Time) error {
	fixed, err := o.store.ReconcileOrphans(now)
	if err != nil {
		return err
	}
	if fixed > 0 {
		log.Printf("orchestrator: reconciled %d orphaned rows", fixed)
	}

	trimmed, err := o.store.TrimSessions(now.Add(-o.config.SessionRetention))
	if err != nil {
		return err
	}
	if trimmed > 0 {
		log.Printf("orchestrator: trimmed %d old sessions", trimmed)
	}
	return nil
}

func (o *Orchestrator) trackRemote(remoteID string, b remoteBinding) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.remotes[remoteID] = b
}

func (o *Orchestrator) lookupRemote(remoteID string) (remoteBinding, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.remotes[remoteID]
	return b, ok
}

func (o *Orchestrator) forgetRemote(remoteID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.remotes, remoteID)
}

// remoteForSession returns the remote id bound to a local session, or ""
func (o *Orchestrator) remoteForSession(sessionID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	for remoteID, b := range o.remotes {
		if b.SessionID == sessionID {
			return remoteID
		}
	}
	return ""
}

func (o *Orchestrator) notifyTask(taskID string) *domain.Task {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return nil
	}
	if o.notifier != nil {
		o.notifier.TaskStatusChanged(task)
	}
	return task
}

func (o *Orchestrator) notifyAvailable(projectID string) {
	if o.notifier == nil {
		return
	}
	o.notifier.TasksAvailable(projectID)
}
