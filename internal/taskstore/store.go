package taskstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/solo-unicorn/solo-unicorn/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional update matched no rows,
// meaning a competing writer got there first.
var ErrConflict = errors.New("conflicting update")

// Store provides SQLite-backed persistence for the orchestration core
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Projects

// CreateProject inserts a project
func (s *Store) CreateProject(p *domain.Project) error {
	memory := "{}"
	if len(p.Memory) > 0 {
		memory = string(p.Memory)
	}
	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, memory, created_at)
		VALUES (?, ?, ?, ?)
	`, p.ID, p.Name, memory, p.CreatedAt)
	return err
}

// GetProject retrieves a project by ID
func (s *Store) GetProject(id string) (*domain.Project, error) {
	var p domain.Project
	var memory sql.NullString
	err := s.db.QueryRow(`
		SELECT id, name, memory, created_at FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &memory, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if memory.Valid && memory.String != "" {
		p.Memory = json.RawMessage(memory.String)
	}
	return &p, nil
}

// UpdateProjectMemory replaces a project's memory blob
func (s *Store) UpdateProjectMemory(id string, memory json.RawMessage) error {
	res, err := s.db.Exec(`UPDATE projects SET memory = ? WHERE id = ?`, string(memory), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Actors

// CreateActor inserts an actor
func (s *Store) CreateActor(a *domain.Actor) error {
	_, err := s.db.Exec(`
		INSERT INTO actors (id, project_id, name, description, is_default)
		VALUES (?, ?, ?, ?, ?)
	`, a.ID, a.ProjectID, a.Name, a.Description, a.IsDefault)
	return err
}

// GetActor retrieves an actor by ID
func (s *Store) GetActor(id string) (*domain.Actor, error) {
	var a domain.Actor
	var description sql.NullString
	err := s.db.QueryRow(`
		SELECT id, project_id, name, description, is_default FROM actors WHERE id = ?
	`, id).Scan(&a.ID, &a.ProjectID, &a.Name, &description, &a.IsDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Description = description.String
	return &a, nil
}

// ListActors returns all actors in a project
func (s *Store) ListActors(projectID string) ([]*domain.Actor, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, name, description, is_default
		FROM actors WHERE project_id = ? ORDER BY name
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []*domain.Actor
	for rows.Next() {
		var a domain.Actor
		var description sql.NullString
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Name, &description, &a.IsDefault); err != nil {
			return nil, err
		}
		a.Description = description.String
		actors = append(actors, &a)
	}
	return actors, rows.Err()
}

// SetDefaultActor marks one actor as the project default, clearing any
// previous default in the same transaction.
func (s *Store) SetDefaultActor(projectID, actorID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE actors SET is_default = FALSE WHERE project_id = ?`, projectID); err != nil {
		return err
	}
	res, err := tx.Exec(`UPDATE actors SET is_default = TRUE WHERE id = ? AND project_id = ?`, actorID, projectID)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

// GetDefaultActor returns the project's default actor, or ErrNotFound
func (s *Store) GetDefaultActor(projectID string) (*domain.Actor, error) {
	var a domain.Actor
	var description sql.NullString
	err := s.db.QueryRow(`
		SELECT id, project_id, name, description, is_default
		FROM actors WHERE project_id = ? AND is_default = TRUE
	`, projectID).Scan(&a.ID, &a.ProjectID, &a.Name, &description, &a.IsDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Description = description.String
	return &a, nil
}

// Repo agents

// CreateRepoAgent inserts a repo agent
func (s *Store) CreateRepoAgent(a *domain.RepoAgent) error {
	if a.Status == "" {
		a.Status = domain.AgentIdle
	}
	_, err := s.db.Exec(`
		INSERT INTO repo_agents (id, project_id, repo_path, client_type, status, config, rate_limit_reset_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.ProjectID, a.RepoPath, string(a.ClientType), string(a.Status), a.Config, a.RateLimitResetAt, a.LastHeartbeat)
	return err
}

// GetRepoAgent retrieves a repo agent by ID
func (s *Store) GetRepoAgent(id string) (*domain.RepoAgent, error) {
	row := s.db.QueryRow(agentQuery+` WHERE id = ?`, id)
	return scanAgent(row)
}

// FindRepoAgent looks up a repo agent by its exact (client type, repo path) pair
func (s *Store) FindRepoAgent(clientType domain.ClientType, repoPath string) (*domain.RepoAgent, error) {
	row := s.db.QueryRow(agentQuery+` WHERE client_type = ? AND repo_path = ?`, string(clientType), repoPath)
	return scanAgent(row)
}

// ListRepoAgents returns all repo agents, optionally scoped to a project
func (s *Store) ListRepoAgents(projectID string) ([]*domain.RepoAgent, error) {
	query := agentQuery
	var args []interface{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY repo_path`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*domain.RepoAgent
	for rows.Next() {
		agent, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAgentStatus updates a repo agent's status
func (s *Store) UpdateAgentStatus(id string, status domain.AgentStatus) error {
	res, err := s.db.Exec(`UPDATE repo_agents SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetAgentHeartbeat records when an agent was last heard from
func (s *Store) SetAgentHeartbeat(id string, t time.Time) error {
	res, err := s.db.Exec(`UPDATE repo_agents SET last_heartbeat = ? WHERE id = ?`, t, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetAgentRateLimited flips an agent to rate_limited and records when
// the vendor limit resets.
func (s *Store) SetAgentRateLimited(id string, resetAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE repo_agents SET status = ?, rate_limit_reset_at = ? WHERE id = ?
	`, string(domain.AgentRateLimited), resetAt, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Tasks

// CreateTask inserts a task
func (s *Store) CreateTask(t *domain.Task) error {
	if t.Status == "" {
		t.Status = domain.StatusTodo
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityDefault
	}
	attachJSON, err := json.Marshal(t.Attachments)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, project_id, repo_agent_id, actor_id, raw_title, raw_description,
			refined_title, refined_description, plan, status, stage, priority, ready, attachments,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.ProjectID, nullString(t.RepoAgentID), nullString(t.ActorID),
		t.RawTitle, t.RawDescription, t.RefinedTitle, t.RefinedDescription, t.Plan,
		string(t.Status), nullString(string(t.Stage)), string(t.Priority), t.Ready,
		string(attachJSON), t.CreatedAt, t.UpdatedAt,
	)
	return err
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(id string) (*domain.Task, error) {
	row := s.db.QueryRow(taskQuery+` WHERE id = ?`, id)
	return scanTask(row)
}

// TaskListOptions specifies filters for listing tasks
type TaskListOptions struct {
	ProjectID   string
	RepoAgentID string
	Status      domain.TaskStatus
	Ready       *bool
}

// ListTasks returns tasks matching the given options, highest priority first
func (s *Store) ListTasks(opts TaskListOptions) ([]*domain.Task, error) {
	query := taskQuery + ` WHERE 1=1`
	var args []interface{}

	if opts.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, opts.ProjectID)
	}
	if opts.RepoAgentID != "" {
		query += ` AND repo_agent_id = ?`
		args = append(args, opts.RepoAgentID)
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if opts.Ready != nil {
		query += ` AND ready = ?`
		args = append(args, *opts.Ready)
	}

	// P1 sorts before P5 lexically, so priority ASC is highest-first
	query += ` ORDER BY priority, created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// NextClaimableTask returns the highest-priority ready todo task the
// given repo agent may work: tasks pinned to it, plus unassigned tasks
// in its project. ErrNotFound when none is available.
func (s *Store) NextClaimableTask(repoAgentID string) (*domain.Task, error) {
	row := s.db.QueryRow(taskQuery+`
		WHERE status = ? AND ready = TRUE
		  AND (repo_agent_id = ?
		       OR (repo_agent_id IS NULL
		           AND project_id = (SELECT project_id FROM repo_agents WHERE id = ?)))
		ORDER BY priority, created_at LIMIT 1
	`, string(domain.StatusTodo), repoAgentID, repoAgentID)
	return scanTask(row)
}

// UpdateTaskContent stores agent-authored refinements on a task
func (s *Store) UpdateTaskContent(id, refinedTitle, refinedDescription, plan string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET
			refined_title = COALESCE(NULLIF(?, ''), refined_title),
			refined_description = COALESCE(NULLIF(?, ''), refined_description),
			plan = COALESCE(NULLIF(?, ''), plan),
			updated_at = ?
		WHERE id = ?
	`, refinedTitle, refinedDescription, plan, now, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateTaskDetails stores human edits on a task. Empty fields keep
// their current value.
func (s *Store) UpdateTaskDetails(id, rawTitle, rawDescription string, priority domain.Priority, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET
			raw_title = COALESCE(NULLIF(?, ''), raw_title),
			raw_description = COALESCE(NULLIF(?, ''), raw_description),
			priority = COALESCE(NULLIF(?, ''), priority),
			updated_at = ?
		WHERE id = ?
	`, rawTitle, rawDescription, string(priority), now, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ReopenTask puts a finished or parked task back on the board as a
// ready todo. Tasks currently being worked cannot be reopened.
func (s *Store) ReopenTask(id string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, stage = NULL, ready = TRUE, updated_at = ?
		WHERE id = ? AND status != ?
	`, string(domain.StatusTodo), now, id, string(domain.StatusDoing))
	if err != nil {
		return err
	}
	return requireConflictFree(res)
}

// SetTaskReady flips the pickup gate on a task
func (s *Store) SetTaskReady(id string, ready bool, now time.Time) error {
	res, err := s.db.Exec(`UPDATE tasks SET ready = ?, updated_at = ? WHERE id = ?`, ready, now, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Sessions

// GetSession retrieves a session by ID
func (s *Store) GetSession(id string) (*domain.Session, error) {
	row := s.db.QueryRow(sessionQuery+` WHERE id = ?`, id)
	return scanSession(row)
}

// SetSessionRemoteID records the durable id the external agent UI
// assigned to a session.
func (s *Store) SetSessionRemoteID(id, remoteID string) error {
	res, err := s.db.Exec(`UPDATE sessions SET remote_id = ? WHERE id = ?`, remoteID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ActiveSessionForAgent returns the agent's active session, or ErrNotFound
func (s *Store) ActiveSessionForAgent(repoAgentID string) (*domain.Session, error) {
	row := s.db.QueryRow(sessionQuery+` WHERE repo_agent_id = ? AND status = ?`,
		repoAgentID, string(domain.SessionActive))
	return scanSession(row)
}

// ListSessions returns all sessions for a task, newest first
func (s *Store) ListSessions(taskID string) ([]*domain.Session, error) {
	rows, err := s.db.Query(sessionQuery+` WHERE task_id = ? ORDER BY started_at DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// CountActiveSessions returns the number of active sessions for a task
func (s *Store) CountActiveSessions(taskID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM sessions WHERE task_id = ? AND status = ?
	`, taskID, string(domain.SessionActive)).Scan(&n)
	return n, err
}

// Feedback

// AddFeedback appends an iteration feedback entry to a task
func (s *Store) AddFeedback(taskID, content string, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO feedback (task_id, content, created_at) VALUES (?, ?, ?)
	`, taskID, content, now)
	return err
}

// ListFeedback returns a task's feedback entries, oldest first
func (s *Store) ListFeedback(taskID string) ([]*domain.FeedbackEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, content, created_at FROM feedback
		WHERE task_id = ? ORDER BY created_at, id
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.FeedbackEntry
	for rows.Next() {
		var e domain.FeedbackEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Scan helpers

const taskQuery = `SELECT id, project_id, repo_agent_id, actor_id, raw_title, raw_description,
	refined_title, refined_description, plan, status, stage, priority, ready, attachments,
	created_at, updated_at FROM tasks`

const agentQuery = `SELECT id, project_id, repo_path, client_type, status, config,
	rate_limit_reset_at, last_heartbeat FROM repo_agents`

const sessionQuery = `SELECT id, task_id, repo_agent_id, status, remote_id, error_message,
	started_at, completed_at FROM sessions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTaskFrom(sc rowScanner) (*domain.Task, error) {
	var t domain.Task
	var repoAgentID, actorID, rawDesc, refTitle, refDesc, plan, stage, attachJSON sql.NullString

	err := sc.Scan(&t.ID, &t.ProjectID, &repoAgentID, &actorID, &t.RawTitle, &rawDesc,
		&refTitle, &refDesc, &plan, (*string)(&t.Status), &stage, (*string)(&t.Priority),
		&t.Ready, &attachJSON, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	t.RepoAgentID = repoAgentID.String
	t.ActorID = actorID.String
	t.RawDescription = rawDesc.String
	t.RefinedTitle = refTitle.String
	t.RefinedDescription = refDesc.String
	t.Plan = plan.String
	t.Stage = domain.Stage(stage.String)

	if attachJSON.Valid && attachJSON.String != "" && attachJSON.String != "null" {
		if err := json.Unmarshal([]byte(attachJSON.String), &t.Attachments); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func scanTask(row *sql.Row) (*domain.Task, error)       { return scanTaskFrom(row) }
func scanTaskRows(rows *sql.Rows) (*domain.Task, error) { return scanTaskFrom(rows) }

func scanAgentFrom(sc rowScanner) (*domain.RepoAgent, error) {
	var a domain.RepoAgent
	var config sql.NullString
	var resetAt, heartbeat sql.NullTime

	err := sc.Scan(&a.ID, &a.ProjectID, &a.RepoPath, (*string)(&a.ClientType),
		(*string)(&a.Status), &config, &resetAt, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Config = config.String
	if resetAt.Valid {
		t := resetAt.Time
		a.RateLimitResetAt = &t
	}
	if heartbeat.Valid {
		t := heartbeat.Time
		a.LastHeartbeat = &t
	}
	return &a, nil
}

func scanAgent(row *sql.Row) (*domain.RepoAgent, error)       { return scanAgentFrom(row) }
func scanAgentRows(rows *sql.Rows) (*domain.RepoAgent, error) { return scanAgentFrom(rows) }

func scanSessionFrom(sc rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var remoteID, errMsg sql.NullString
	var completedAt sql.NullTime

	err := sc.Scan(&sess.ID, &sess.TaskID, &sess.RepoAgentID, (*string)(&sess.Status),
		&remoteID, &errMsg, &sess.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sess.RemoteID = remoteID.String
	sess.ErrorMessage = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
	}
	return &sess, nil
}

func scanSession(row *sql.Row) (*domain.Session, error)       { return scanSessionFrom(row) }
func scanSessionRows(rows *sql.Rows) (*domain.Session, error) { return scanSessionFrom(rows) }

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
