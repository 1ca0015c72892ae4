package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"feedcrawler/internal/model"
)

const taskColumns = `id, owner_id, scope, kind, target_id, query, status, priority, planned_posts, attempts,
	session_id, claimed_by, result_json, error, created_at, started_at, finished_at, updated_at`

// InsertTasks writes new PENDING tasks in one transaction. A task bound to a
// target that already has an open task fails the whole batch with
// ErrTargetBusy.
func (s *Store) InsertTasks(ctx context.Context, tasks []model.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tasks (id, owner_id, scope, kind, target_id, query, status, priority, planned_posts, created_at, updated_at)
			SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
			WHERE ? = '' OR NOT EXISTS (
				SELECT 1 FROM tasks WHERE target_id = ? AND status IN (?, ?)
			)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, t := range tasks {
			res, err := stmt.ExecContext(ctx, t.ID, t.OwnerID, string(t.Scope), string(t.Kind), t.TargetID, t.Query,
				string(model.TaskPending), t.Priority, t.PlannedPosts, ms(t.CreatedAt), ms(t.CreatedAt),
				t.TargetID, t.TargetID, string(model.TaskPending), string(model.TaskRunning))
			if err != nil {
				return fmt.Errorf("insert task %s: %w", t.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("insert task %s for target %s: %w", t.ID, t.TargetID, ErrTargetBusy)
			}
		}
		return nil
	})
}

func (s *Store) GetTask(ctx context.Context, id string) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return model.Task{}, notFound(err, "task "+id)
	}
	return t, nil
}

// ListPending returns claim candidates, highest priority first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY priority DESC, created_at, id LIMIT ?
	`, string(model.TaskPending), limit)
}

func (s *Store) ListTasks(ctx context.Context, ownerID string, limit int) ([]model.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	if ownerID == "" {
		return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id LIMIT ?`, limit)
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? ORDER BY created_at DESC, id LIMIT ?
	`, ownerID, limit)
}

// OpenTargetIDs returns targets of the owner that already have a PENDING or
// RUNNING task.
func (s *Store) OpenTargetIDs(ctx context.Context, ownerID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT target_id FROM tasks WHERE owner_id = ? AND target_id <> '' AND status IN (?, ?)
	`, ownerID, string(model.TaskPending), string(model.TaskRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// ClaimTask moves a task from PENDING to RUNNING. It reports false when some
// other claimer got there first.
func (s *Store) ClaimTask(ctx context.Context, id, workerID string, now time.Time) (model.Task, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, claimed_by = ?, attempts = attempts + 1, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(model.TaskRunning), workerID, ms(now), ms(now), id, string(model.TaskPending))
	if err != nil {
		return model.Task{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Task{}, false, nil
	}
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, false, err
	}
	return t, true, nil
}

// FinishTask writes a terminal status for a task that never reached the
// run commit, e.g. when no session could be selected.
func (s *Store) FinishTask(ctx context.Context, id, claimedBy string, attempt int, status model.TaskStatus, errMsg string, now time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish task %s: %s is not terminal", id, status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND claimed_by = ? AND attempts = ?
	`, string(status), errMsg, ms(now), ms(now), id, string(model.TaskRunning), claimedBy, attempt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CommitRun applies a finished run atomically. Nothing is written when the
// task is no longer RUNNING under the committing claim.
func (s *Store) CommitRun(ctx context.Context, c model.RunCommit) (bool, error) {
	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status, claimedBy string
		var attempts int
		err := tx.QueryRowContext(ctx, `SELECT status, claimed_by, attempts FROM tasks WHERE id = ?`, c.TaskID).
			Scan(&status, &claimedBy, &attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if status != string(model.TaskRunning) || claimedBy != c.ClaimedBy || attempts != c.Attempt {
			return nil
		}

		if c.Derive != nil {
			target, err := txTarget(ctx, tx, c.TargetID)
			if err != nil {
				return fmt.Errorf("reload target: %w", err)
			}
			sess, err := txSession(ctx, tx, c.SessionID)
			if err != nil {
				return fmt.Errorf("reload session: %w", err)
			}
			c.Derive(&c, target, sess)
		}
		if !c.Status.Terminal() {
			return fmt.Errorf("commit run %s: %s is not terminal", c.TaskID, c.Status)
		}
		resultJSON := ""
		if c.Result != nil {
			b, err := json.Marshal(c.Result)
			if err != nil {
				return err
			}
			resultJSON = string(b)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, session_id = ?, result_json = ?, error = ?, finished_at = ?, updated_at = ?
			WHERE id = ? AND status = ? AND claimed_by = ? AND attempts = ?
		`, string(c.Status), c.Outcome.SessionID, resultJSON, c.Error, ms(c.At), ms(c.At),
			c.TaskID, string(model.TaskRunning), c.ClaimedBy, c.Attempt)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if c.Target != nil {
			if err := updateTargetStats(ctx, tx, *c.Target); err != nil {
				return fmt.Errorf("target stats: %w", err)
			}
		}
		if c.Session != nil {
			if err := updateSessionHealth(ctx, tx, *c.Session); err != nil {
				return fmt.Errorf("session health: %w", err)
			}
		}
		if err := insertRunOutcome(ctx, tx, c.Outcome); err != nil {
			return fmt.Errorf("run outcome: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

func txTarget(ctx context.Context, tx *sql.Tx, id string) (model.Target, error) {
	if id == "" {
		return model.Target{}, nil
	}
	t, err := scanTarget(tx.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Target{}, nil
	}
	return t, err
}

func txSession(ctx context.Context, tx *sql.Tx, id string) (model.Session, error) {
	if id == "" {
		return model.Session{}, nil
	}
	sess, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, nil
	}
	return sess, err
}

// RecoverStale returns RUNNING tasks started before cutoff to PENDING, or
// fails them once their attempts are used up.
func (s *Store) RecoverStale(ctx context.Context, cutoff time.Time, maxAttempts int, now time.Time) (requeued, failed int, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error = ?, finished_at = ?, updated_at = ?
			WHERE status = ? AND started_at < ? AND attempts >= ?
		`, string(model.TaskFailed), "stale: attempts exhausted", ms(now), ms(now),
			string(model.TaskRunning), ms(cutoff), maxAttempts)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		failed = int(n)

		res, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, claimed_by = '', updated_at = ?
			WHERE status = ? AND started_at < ?
		`, string(model.TaskPending), ms(now), string(model.TaskRunning), ms(cutoff))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		requeued = int(n)
		return nil
	})
	return requeued, failed, err
}

// PruneTerminal deletes terminal tasks finished before cutoff.
func (s *Store) PruneTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE status IN (?, ?, ?, ?) AND finished_at > 0 AND finished_at < ?
	`, string(model.TaskDone), string(model.TaskPartial), string(model.TaskFailed), string(model.TaskCooldown), ms(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(sc scanner) (model.Task, error) {
	var (
		t                                           model.Task
		scope, kind, status, resultJSON             string
		createdAt, startedAt, finishedAt, updatedAt int64
	)
	err := sc.Scan(&t.ID, &t.OwnerID, &scope, &kind, &t.TargetID, &t.Query, &status, &t.Priority, &t.PlannedPosts, &t.Attempts,
		&t.SessionID, &t.ClaimedBy, &resultJSON, &t.Error, &createdAt, &startedAt, &finishedAt, &updatedAt)
	if err != nil {
		return model.Task{}, err
	}
	t.Scope = model.TaskScope(scope)
	t.Kind = model.TaskKind(kind)
	t.Status = model.TaskStatus(status)
	if resultJSON != "" {
		var r model.TaskResult
		if err := json.Unmarshal([]byte(resultJSON), &r); err == nil {
			t.Result = &r
		}
	}
	t.CreatedAt = fromMs(createdAt)
	t.StartedAt = fromMs(startedAt)
	t.FinishedAt = fromMs(finishedAt)
	t.UpdatedAt = fromMs(updatedAt)
	return t, nil
}
