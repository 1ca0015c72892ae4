package sqlite

import (
	"context"
	"database/sql"
	"time"

	"feedcrawler/internal/model"
)

func insertRunOutcome(ctx context.Context, tx *sql.Tx, o model.RunOutcome) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO run_outcomes (task_id, owner_id, target_id, session_id, status, fetched, duration_ms, aborted, abort_reason, peak_risk, verdict, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.TaskID, o.OwnerID, o.TargetID, o.SessionID, string(o.Status), o.Fetched, o.DurationMs,
		boolInt(o.Aborted), o.AbortReason, o.PeakRisk, o.Verdict, ms(o.CreatedAt))
	return err
}

// OtherSessionsSucceeding reports whether any of the owner's sessions other
// than exclude fetched something since the given time.
func (s *Store) OtherSessionsSucceeding(ctx context.Context, ownerID, exclude string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM run_outcomes
		WHERE owner_id = ? AND session_id <> '' AND session_id <> ? AND fetched > 0 AND created_at >= ?
	`, ownerID, exclude, ms(since)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ListRunOutcomes(ctx context.Context, targetID string, limit int) ([]model.RunOutcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, owner_id, target_id, session_id, status, fetched, duration_ms, aborted, abort_reason, peak_risk, verdict, created_at
		FROM run_outcomes WHERE target_id = ? ORDER BY created_at DESC LIMIT ?
	`, targetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RunOutcome
	for rows.Next() {
		var (
			o         model.RunOutcome
			status    string
			aborted   int
			createdAt int64
		)
		if err := rows.Scan(&o.TaskID, &o.OwnerID, &o.TargetID, &o.SessionID, &status, &o.Fetched, &o.DurationMs,
			&aborted, &o.AbortReason, &o.PeakRisk, &o.Verdict, &createdAt); err != nil {
			return nil, err
		}
		o.Status = model.TaskStatus(status)
		o.Aborted = aborted == 1
		o.CreatedAt = fromMs(createdAt)
		out = append(out, o)
	}
	return out, rows.Err()
}
