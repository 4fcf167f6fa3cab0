package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/solo-unicorn/solo-unicorn/internal/agentclient"
	"github.com/solo-unicorn/solo-unicorn/internal/config"
	"github.com/solo-unicorn/solo-unicorn/internal/domain"
	"github.com/solo-unicorn/solo-unicorn/internal/gateway"
	"github.com/solo-unicorn/solo-unicorn/internal/mcp"
	"github.com/solo-unicorn/solo-unicorn/internal/notify"
	"github.com/solo-unicorn/solo-unicorn/internal/orchestrator"
	"github.com/solo-unicorn/solo-unicorn/internal/prompts"
	"github.com/solo-unicorn/solo-unicorn/internal/taskstore"
	"github.com/solo-unicorn/solo-unicorn/web/api"
)

var (
	listStatus  string
	listProject string
	addProject  string
	addDesc     string
	addPriority string
	addAgent    string
	addDraft    bool
	servePort   int
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its HTTP/WebSocket surfaces",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override the configured port")
	rootCmd.AddCommand(serveCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show current status",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (todo, doing, done)")
	listCmd.Flags().StringVar(&listProject, "project", "", "filter by project")
	rootCmd.AddCommand(listCmd)

	addCmd := &cobra.Command{
		Use:   "add TITLE...",
		Short: "Create a task",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAdd,
	}
	addCmd.Flags().StringVar(&addProject, "project", "", "project the task belongs to (required)")
	addCmd.Flags().StringVar(&addDesc, "description", "", "task description")
	addCmd.Flags().StringVar(&addPriority, "priority", "", "priority P1 (highest) through P5")
	addCmd.Flags().StringVar(&addAgent, "agent", "", "pin the task to a repo agent")
	addCmd.Flags().BoolVar(&addDraft, "draft", false, "create the task not ready, so it is not picked up yet")
	addCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(addCmd)
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

func openStore(cfg *config.Config) (*taskstore.Store, error) {
	return taskstore.New(cfg.General.DatabasePath)
}

// eventFanout forwards orchestrator events to the gateway and SSE hub,
// and turns terminal transitions into operator notifications.
type eventFanout struct {
	targets []orchestrator.Notifier
	alerts  notify.Notifier
}

func (f *eventFanout) TaskStatusChanged(task *domain.Task) {
	for _, t := range f.targets {
		t.TaskStatusChanged(task)
	}
	if f.alerts == nil {
		return
	}
	switch {
	case task.Status == domain.StatusDone:
		if err := f.alerts.Send(notify.TaskDone(task)); err != nil {
			log.Printf("notify: %v", err)
		}
	case task.Status == domain.StatusTodo && !task.Ready:
		// A session failure parks the task unready for operator review.
		if err := f.alerts.Send(notify.TaskFailed(task, "")); err != nil {
			log.Printf("notify: %v", err)
		}
	}
}

func (f *eventFanout) TasksAvailable(projectID string) {
	for _, t := range f.targets {
		t.TasksAvailable(projectID)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var loader *prompts.Loader
	if cfg.General.PromptOverrides != "" {
		loader = prompts.NewLoader(cfg.General.PromptOverrides)
	} else {
		wd, _ := os.Getwd()
		loader = prompts.DefaultLoader(wd)
	}
	if watcher, err := prompts.NewWatcher(loader); err != nil {
		log.Printf("prompts: watcher disabled: %v", err)
	} else {
		defer watcher.Close()
	}
	renderer := prompts.NewRenderer(loader)

	// The transport events close over orch, which is built after the
	// client because the orchestrator needs the transport.
	var orch *orchestrator.Orchestrator
	client, err := agentclient.New(agentclient.Config{
		BaseURL:              cfg.AgentUI.BaseURL,
		Token:                cfg.General.AuthToken,
		ConnectTimeout:       time.Duration(cfg.AgentUI.ConnectTimeoutSecs) * time.Second,
		MaxReconnectAttempts: cfg.AgentUI.ReconnectAttempts,
	}, agentclient.Events{
		OnComplete: func(sessionID string, exitCode int) {
			orch.HandleRemoteComplete(sessionID, exitCode, time.Now().UTC())
		},
		OnError: func(sessionID, message string) {
			orch.HandleRemoteError(sessionID, message, time.Now().UTC())
		},
		OnRateLimit: func(sessionID string, resetAt time.Time) {
			orch.HandleRemoteRateLimit(sessionID, resetAt)
		},
	})
	if err != nil {
		return err
	}
	defer client.Close()

	fan := &eventFanout{alerts: notify.NewMultiNotifier(
		notify.NewDesktopNotifier(cfg.Notifications.Desktop),
		notify.NewSlackNotifier(cfg.Notifications.SlackWebhook),
	)}
	orch = orchestrator.New(orchestrator.Config{
		TickInterval:       cfg.Orchestrator.TickInterval(),
		AvailabilityWindow: cfg.Orchestrator.AvailabilityWindow(),
		SessionMaxAge:      cfg.Orchestrator.SessionMaxAge(),
		SessionRetention:   cfg.Orchestrator.SessionRetention(),
		MaintenanceCron:    cfg.Orchestrator.MaintenanceCron,
		PushEnabled:        cfg.Orchestrator.PushEnabled,
	}, store, client, renderer, fan)

	// Connect only once the event handlers have an orchestrator behind them.
	if err := client.Connect(); err != nil {
		log.Printf("agent ui: %v (push paused until it reconnects)", err)
	}

	gw := gateway.New(gateway.Config{AuthToken: cfg.General.AuthToken}, store, orch)

	port := servePort
	if port == 0 {
		port = cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)

	apiSrv := api.NewServer(store, gw, addr)
	fan.targets = []orchestrator.Notifier{gw, apiSrv}

	mcpSrv := mcp.NewServer(mcp.ServerConfig{AuthToken: cfg.General.AuthToken}, store, orch)
	apiSrv.Handle("/mcp", mcpSrv)
	apiSrv.Handle("/ws", http.HandlerFunc(gw.HandleWebSocket))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("orchestrator: %v", err)
		}
	}()

	httpSrv := &http.Server{Addr: addr, Handler: apiSrv.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("solo-unicorn listening on http://%s (mcp /mcp, gateway /ws)", addr)
	if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.ListTasks(taskstore.TaskListOptions{})
	if err != nil {
		return err
	}

	var todo, doing, done int
	for _, t := range tasks {
		switch t.Status {
		case domain.StatusTodo:
			todo++
		case domain.StatusDoing:
			doing++
		case domain.StatusDone:
			done++
		}
	}
	fmt.Printf("Tasks: %d total | %d todo | %d doing | %d done\n",
		len(tasks), todo, doing, done)

	agents, err := store.ListRepoAgents("")
	if err != nil {
		return err
	}
	var active int
	for _, a := range agents {
		if a.Status == domain.AgentActive {
			active++
		}
	}
	fmt.Printf("Agents: %d registered | %d active\n", len(agents), active)

	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.ListTasks(taskstore.TaskListOptions{
		ProjectID: listProject,
		Status:    domain.TaskStatus(listStatus),
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tSTAGE\tPRIORITY\tREADY")
	for _, t := range tasks {
		stage := string(t.Stage)
		if stage == "" {
			stage = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
			t.ID, t.Title(), t.Status, stage, t.Priority, t.Ready)
	}
	w.Flush()

	return nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.GetProject(addProject); err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			return fmt.Errorf("unknown project %q", addProject)
		}
		return err
	}
	if addAgent != "" {
		if _, err := store.GetRepoAgent(addAgent); err != nil {
			if errors.Is(err, taskstore.ErrNotFound) {
				return fmt.Errorf("unknown repo agent %q", addAgent)
			}
			return err
		}
	}

	priority := domain.PriorityDefault
	if addPriority != "" {
		priority, err = domain.ParsePriority(addPriority)
		if err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	task := &domain.Task{
		ID:             uuid.NewString(),
		ProjectID:      addProject,
		RepoAgentID:    addAgent,
		RawTitle:       strings.Join(args, " "),
		RawDescription: addDesc,
		Priority:       priority,
		Ready:          !addDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateTask(task); err != nil {
		return err
	}

	fmt.Printf("Created task %s (%s, %s)\n", task.ID, task.Priority, task.RawTitle)
	return nil
}
