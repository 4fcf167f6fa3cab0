package taskstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/solo-unicorn/solo-unicorn/internal/domain"
)

// Lifecycle transitions. Every multi-row state change runs inside a
// single transaction with conditional updates, so a lost race surfaces
// as ErrConflict instead of leaving partially applied state behind.

// ClaimTask moves a ready todo task into doing/refine, flips its repo
// agent to active and records a new active session, all atomically.
func (s *Store) ClaimTask(taskID, repoAgentID, sessionID string, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM sessions
		WHERE status = ? AND (task_id = ? OR repo_agent_id = ?)
	`, string(domain.SessionActive), taskID, repoAgentID).Scan(&active)
	if err != nil {
		return err
	}
	if active > 0 {
		return ErrConflict
	}

	// Claiming binds an unassigned task to the agent that picked it up.
	res, err := tx.Exec(`
		UPDATE tasks SET status = ?, stage = ?, repo_agent_id = ?, updated_at = ?
		WHERE id = ? AND status = ? AND ready = TRUE
		  AND (repo_agent_id IS NULL OR repo_agent_id = ?)
	`, string(domain.StatusDoing), string(domain.StageRefine), repoAgentID, now,
		taskID, string(domain.StatusTodo), repoAgentID)
	if err != nil {
		return err
	}
	if err := requireConflictFree(res); err != nil {
		return err
	}

	res, err = tx.Exec(`
		UPDATE repo_agents SET status = ? WHERE id = ? AND status = ?
	`, string(domain.AgentActive), repoAgentID, string(domain.AgentIdle))
	if err != nil {
		return err
	}
	if err := requireConflictFree(res); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		INSERT INTO sessions (id, task_id, repo_agent_id, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, taskID, repoAgentID, string(domain.SessionActive), now); err != nil {
		return err
	}

	return tx.Commit()
}

// ReleaseTask undoes a claim after a downstream failure: the task goes
// back to todo, the agent to idle and the session to failed.
func (s *Store) ReleaseTask(taskID, repoAgentID, sessionID, reason string, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE tasks SET status = ?, stage = NULL, updated_at = ? WHERE id = ?
	`, string(domain.StatusTodo), now, taskID); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		UPDATE repo_agents SET status = ? WHERE id = ?
	`, string(domain.AgentIdle), repoAgentID); err != nil {
		return err
	}

	if sessionID != "" {
		if _, err := tx.Exec(`
			UPDATE sessions SET status = ?, error_message = ?, completed_at = ?
			WHERE id = ? AND status = ?
		`, string(domain.SessionFailed), reason, now, sessionID, string(domain.SessionActive)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// AdvanceStage moves a doing task from one stage to the next. The
// update is conditional on the current stage so stale self-reports
// cannot regress or skip the pipeline.
func (s *Store) AdvanceStage(taskID string, from, to domain.Stage, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET stage = ?, updated_at = ?
		WHERE id = ? AND status = ? AND stage = ?
	`, string(to), now, taskID, string(domain.StatusDoing), string(from))
	if err != nil {
		return err
	}
	return requireConflictFree(res)
}

// CompleteSession finishes a session and settles its task and agent.
// On success the task is done; on failure it returns to the backlog
// with the ready gate closed so a human can look at it first. The
// session must belong to the given agent and still be active.
func (s *Store) CompleteSession(sessionID, repoAgentID string, success bool, errMsg string, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var taskID string
	err = tx.QueryRow(`
		SELECT task_id FROM sessions WHERE id = ? AND repo_agent_id = ? AND status = ?
	`, sessionID, repoAgentID, string(domain.SessionActive)).Scan(&taskID)
	if err == sql.ErrNoRows {
		return ErrConflict
	}
	if err != nil {
		return err
	}

	sessStatus := domain.SessionCompleted
	if !success {
		sessStatus = domain.SessionFailed
	}
	if _, err := tx.Exec(`
		UPDATE sessions SET status = ?, error_message = ?, completed_at = ? WHERE id = ?
	`, string(sessStatus), errMsg, now, sessionID); err != nil {
		return err
	}

	if success {
		_, err = tx.Exec(`
			UPDATE tasks SET status = ?, stage = NULL, updated_at = ? WHERE id = ?
		`, string(domain.StatusDone), now, taskID)
	} else {
		_, err = tx.Exec(`
			UPDATE tasks SET status = ?, stage = NULL, ready = FALSE, updated_at = ? WHERE id = ?
		`, string(domain.StatusTodo), now, taskID)
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`
		UPDATE repo_agents SET status = ? WHERE id = ?
	`, string(domain.AgentIdle), repoAgentID); err != nil {
		return err
	}

	return tx.Commit()
}

// StaleReset records one session reset by the staleness sweep
type StaleReset struct {
	SessionID   string
	TaskID      string
	RepoAgentID string
}

// SweepStale fails every session still active past the cutoff and
// resets its task and agent. Running the sweep again over already-reset
// rows is a no-op.
func (s *Store) SweepStale(cutoff, now time.Time) ([]StaleReset, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, task_id, repo_agent_id FROM sessions
		WHERE status = ? AND started_at < ?
	`, string(domain.SessionActive), cutoff)
	if err != nil {
		return nil, err
	}

	var stale []StaleReset
	for rows.Next() {
		var r StaleReset
		if err := rows.Scan(&r.SessionID, &r.TaskID, &r.RepoAgentID); err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range stale {
		if _, err := tx.Exec(`
			UPDATE sessions SET status = ?, error_message = ?, completed_at = ? WHERE id = ?
		`, string(domain.SessionFailed), "session exceeded max age", now, r.SessionID); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`
			UPDATE tasks SET status = ?, stage = NULL, ready = FALSE, updated_at = ? WHERE id = ?
		`, string(domain.StatusTodo), now, r.TaskID); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`
			UPDATE repo_agents SET status = ? WHERE id = ?
		`, string(domain.AgentIdle), r.RepoAgentID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stale, nil
}

// ResetExpiredRateLimits returns rate-limited agents whose reset time
// has passed back to idle, and reports which ones recovered.
func (s *Store) ResetExpiredRateLimits(now time.Time) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id FROM repo_agents
		WHERE status = ? AND rate_limit_reset_at IS NOT NULL AND rate_limit_reset_at <= ?
	`, string(domain.AgentRateLimited), now)
	if err != nil {
		return nil, err
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.Exec(`
			UPDATE repo_agents SET status = ?, rate_limit_reset_at = NULL WHERE id = ?
		`, string(domain.AgentIdle), id); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReconcileOrphans fails active sessions whose task is no longer doing.
// These appear when a task is edited out from under a session, and
// would otherwise block the owning agent forever.
func (s *Store) ReconcileOrphans(now time.Time) (int, error) {
	res, err := s.db.Exec(`
		UPDATE sessions SET status = ?, error_message = ?, completed_at = ?
		WHERE status = ? AND task_id IN (SELECT id FROM tasks WHERE status != ?)
	`, string(domain.SessionFailed), "task left doing state", now,
		string(domain.SessionActive), string(domain.StatusDoing))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// TrimSessions deletes finished sessions older than the cutoff and
// returns how many were removed.
func (s *Store) TrimSessions(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM sessions
		WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?
	`, string(domain.SessionCompleted), string(domain.SessionFailed), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func requireConflictFree(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
