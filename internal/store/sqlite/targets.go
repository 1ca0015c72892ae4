package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"feedcrawler/internal/model"
)

const targetColumns = `id, owner_id, kind, value, enabled, priority, max_posts_per_run,
	cooldown_until, cooldown_reason, cooldown_level, cooldown_task_id,
	total_runs, total_fetched, last_run_at, last_error, empty_streak, avg_fetched, fetch_samples, last_non_empty_at, quality, last_variant_id,
	created_at, updated_at`

// UpsertTarget writes the user-editable fields. Run statistics and cooldown
// state are owned by the run commit and are left alone on conflict.
func (s *Store) UpsertTarget(ctx context.Context, t model.Target) (model.Target, error) {
	t.OwnerID = strings.TrimSpace(t.OwnerID)
	t.Value = strings.TrimSpace(t.Value)
	if t.Kind == model.TargetAccount {
		t.Value = strings.TrimPrefix(t.Value, "@")
	}
	if !t.Kind.Valid() {
		return model.Target{}, fmt.Errorf("invalid kind: %s", t.Kind)
	}
	if t.OwnerID == "" || t.Value == "" {
		return model.Target{}, errors.New("ownerId and value are required")
	}
	if t.MaxPostsPerRun < 0 {
		t.MaxPostsPerRun = 0
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO targets (id, owner_id, kind, value, enabled, priority, max_posts_per_run, quality, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, kind, value) DO UPDATE SET
			enabled = excluded.enabled,
			priority = excluded.priority,
			max_posts_per_run = excluded.max_posts_per_run,
			updated_at = excluded.updated_at
	`, t.ID, t.OwnerID, string(t.Kind), t.Value, boolInt(t.Enabled), t.Priority, t.MaxPostsPerRun,
		string(model.QualityHealthy), ms(t.CreatedAt), ms(t.UpdatedAt))
	if err != nil {
		return model.Target{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE owner_id = ? AND kind = ? AND value = ?`,
		t.OwnerID, string(t.Kind), t.Value)
	out, err := scanTarget(row)
	if err != nil {
		return model.Target{}, notFound(err, "target")
	}
	return out, nil
}

func (s *Store) GetTarget(ctx context.Context, id string) (model.Target, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = ?`, id)
	t, err := scanTarget(row)
	if err != nil {
		return model.Target{}, notFound(err, "target "+id)
	}
	return t, nil
}

func (s *Store) ListTargets(ctx context.Context, ownerID string) ([]model.Target, error) {
	return s.queryTargets(ctx, `SELECT `+targetColumns+` FROM targets WHERE owner_id = ? ORDER BY created_at, id`, ownerID)
}

func (s *Store) queryTargets(ctx context.Context, query string, args ...any) ([]model.Target, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListPlannableOwners returns owners with at least one enabled target.
func (s *Store) ListPlannableOwners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT owner_id FROM targets WHERE enabled = 1 ORDER BY owner_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) SetTargetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE targets SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), ms(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteTarget(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, id)
	return err
}

func scanTarget(sc scanner) (model.Target, error) {
	var (
		t                                        model.Target
		kind, quality                            string
		enabled                                  int
		cooldownUntil, lastRunAt, lastNonEmptyAt int64
		createdAt, updatedAt                     int64
	)
	err := sc.Scan(&t.ID, &t.OwnerID, &kind, &t.Value, &enabled, &t.Priority, &t.MaxPostsPerRun,
		&cooldownUntil, &t.CooldownReason, &t.CooldownLevel, &t.CooldownTaskID,
		&t.TotalRuns, &t.TotalFetched, &lastRunAt, &t.LastError, &t.EmptyStreak, &t.AvgFetched, &t.FetchSamples, &lastNonEmptyAt, &quality, &t.LastVariantID,
		&createdAt, &updatedAt)
	if err != nil {
		return model.Target{}, err
	}
	t.Kind = model.TargetKind(kind)
	t.Quality = model.Quality(quality)
	t.Enabled = enabled == 1
	t.CooldownUntil = fromMs(cooldownUntil)
	t.LastRunAt = fromMs(lastRunAt)
	t.LastNonEmptyAt = fromMs(lastNonEmptyAt)
	t.CreatedAt = fromMs(createdAt)
	t.UpdatedAt = fromMs(updatedAt)
	return t, nil
}

func updateTargetStats(ctx context.Context, tx *sql.Tx, t model.Target) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE targets SET
			cooldown_until = ?,
			cooldown_reason = ?,
			cooldown_level = ?,
			cooldown_task_id = ?,
			total_runs = ?,
			total_fetched = ?,
			last_run_at = ?,
			last_error = ?,
			empty_streak = ?,
			avg_fetched = ?,
			fetch_samples = ?,
			last_non_empty_at = ?,
			quality = ?,
			last_variant_id = ?,
			updated_at = ?
		WHERE id = ?
	`, ms(t.CooldownUntil), t.CooldownReason, t.CooldownLevel, t.CooldownTaskID,
		t.TotalRuns, t.TotalFetched, ms(t.LastRunAt), t.LastError, t.EmptyStreak, t.AvgFetched, t.FetchSamples, ms(t.LastNonEmptyAt),
		string(t.Quality), t.LastVariantID, ms(t.UpdatedAt), t.ID)
	return err
}
