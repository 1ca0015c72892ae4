package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"feedcrawler/internal/model"
)

const sessionColumns = `id, account_id, owner_id, version, status, superseded, risk_score, success_rate, avg_latency_ms,
	cookies_json, synced_at, expires_at, last_success_at, last_abort_at, last_abort_task_id, stale_reason, updated_at`

// SyncSession stores a fresh credential bundle as the next version of the
// account's session and supersedes every older version.
func (s *Store) SyncSession(ctx context.Context, accountID string, cookies []model.Cookie, expiresAt time.Time) (model.Session, error) {
	now := time.Now()
	if expiresAt.IsZero() {
		expiresAt = model.EarliestExpiry(cookies)
	}
	cookiesJSON, err := json.Marshal(cookies)
	if err != nil {
		return model.Session{}, err
	}

	sess := model.Session{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Status:      model.SessionOK,
		SuccessRate: 1,
		Cookies:     cookies,
		SyncedAt:    now,
		ExpiresAt:   expiresAt,
		UpdatedAt:   now,
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT owner_id FROM accounts WHERE id = ?`, accountID).Scan(&sess.OwnerID); err != nil {
			return notFound(err, "account "+accountID)
		}
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM sessions WHERE account_id = ?`, accountID).Scan(&sess.Version); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET superseded = 1, updated_at = ? WHERE account_id = ? AND superseded = 0
		`, ms(now), accountID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, 0, 0, ?, 0, ?, ?, ?, 0, 0, '', '', ?)
		`, sess.ID, sess.AccountID, sess.OwnerID, sess.Version, string(sess.Status), sess.SuccessRate,
			string(cookiesJSON), ms(sess.SyncedAt), ms(sess.ExpiresAt), ms(sess.UpdatedAt))
		return err
	})
	if err != nil {
		return model.Session{}, fmt.Errorf("sync session: %w", err)
	}
	return sess, nil
}

// InvalidateSession is terminal; only a re-sync brings the account back.
func (s *Store) InvalidateSession(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, stale_reason = ?, updated_at = ? WHERE id = ?
	`, string(model.SessionInvalid), reason, ms(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// ExpireSessions flags current sessions whose expiry has passed.
func (s *Store) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ?
		WHERE superseded = 0 AND status IN (?, ?) AND expires_at > 0 AND expires_at <= ?
	`, string(model.SessionExpired), ms(now), string(model.SessionOK), string(model.SessionStale), ms(now))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return model.Session{}, notFound(err, "session "+id)
	}
	return sess, nil
}

// ListSessions returns the owner's current (non-superseded) sessions.
func (s *Store) ListSessions(ctx context.Context, ownerID string) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE owner_id = ? AND superseded = 0 ORDER BY synced_at DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(sc scanner) (model.Session, error) {
	var (
		sess                                        model.Session
		status, cookiesJSON                         string
		superseded                                  int
		syncedAt, expiresAt, lastSuccess, lastAbort int64
		updatedAt                                   int64
	)
	err := sc.Scan(&sess.ID, &sess.AccountID, &sess.OwnerID, &sess.Version, &status, &superseded, &sess.RiskScore,
		&sess.SuccessRate, &sess.AvgLatencyMs, &cookiesJSON, &syncedAt, &expiresAt, &lastSuccess, &lastAbort,
		&sess.LastAbortTaskID, &sess.StaleReason, &updatedAt)
	if err != nil {
		return model.Session{}, err
	}
	_ = json.Unmarshal([]byte(cookiesJSON), &sess.Cookies)
	sess.Status = model.SessionStatus(status)
	sess.Superseded = superseded == 1
	sess.SyncedAt = fromMs(syncedAt)
	sess.ExpiresAt = fromMs(expiresAt)
	sess.LastSuccessAt = fromMs(lastSuccess)
	sess.LastAbortAt = fromMs(lastAbort)
	sess.UpdatedAt = fromMs(updatedAt)
	return sess, nil
}

// updateSessionHealth writes run feedback. Status may only move away from OK;
// an invalidated or expired row is never brought back.
func updateSessionHealth(ctx context.Context, tx *sql.Tx, sess model.Session) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			status = CASE WHEN status = ? THEN ? ELSE status END,
			risk_score = ?,
			success_rate = ?,
			avg_latency_ms = ?,
			last_success_at = ?,
			last_abort_at = ?,
			last_abort_task_id = ?,
			stale_reason = CASE WHEN status IN (?, ?) THEN ? ELSE stale_reason END,
			updated_at = ?
		WHERE id = ?
	`, string(model.SessionOK), string(sess.Status), sess.RiskScore, sess.SuccessRate, sess.AvgLatencyMs,
		ms(sess.LastSuccessAt), ms(sess.LastAbortAt), sess.LastAbortTaskID,
		string(model.SessionOK), string(model.SessionStale), sess.StaleReason, ms(sess.UpdatedAt), sess.ID)
	return err
}
