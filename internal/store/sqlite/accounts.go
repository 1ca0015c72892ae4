package sqlite

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"feedcrawler/internal/model"
)

const accountColumns = `id, owner_id, handle, proxy, user_agent, enabled, created_at, updated_at`

func (s *Store) UpsertAccount(ctx context.Context, acc model.Account) (model.Account, error) {
	acc.OwnerID = strings.TrimSpace(acc.OwnerID)
	acc.Handle = strings.TrimPrefix(strings.TrimSpace(acc.Handle), "@")
	if acc.OwnerID == "" || acc.Handle == "" {
		return model.Account{}, errors.New("ownerId and handle are required")
	}
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	now := time.Now()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, handle) DO UPDATE SET
			proxy = excluded.proxy,
			user_agent = excluded.user_agent,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`, acc.ID, acc.OwnerID, acc.Handle, acc.Proxy, acc.UserAgent, boolInt(acc.Enabled), ms(acc.CreatedAt), ms(acc.UpdatedAt))
	if err != nil {
		return model.Account{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE owner_id = ? AND handle = ?`, acc.OwnerID, acc.Handle)
	out, err := scanAccount(row)
	if err != nil {
		return model.Account{}, notFound(err, "account")
	}
	return out, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acc, err := scanAccount(row)
	if err != nil {
		return model.Account{}, notFound(err, "account "+id)
	}
	return acc, nil
}

func (s *Store) ListAccounts(ctx context.Context, ownerID string) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE owner_id = ? ORDER BY created_at, id
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// DeleteAccount removes the account and, through the foreign key, its sessions.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	return err
}

func scanAccount(sc scanner) (model.Account, error) {
	var (
		acc                  model.Account
		enabled              int
		createdAt, updatedAt int64
	)
	if err := sc.Scan(&acc.ID, &acc.OwnerID, &acc.Handle, &acc.Proxy, &acc.UserAgent, &enabled, &createdAt, &updatedAt); err != nil {
		return model.Account{}, err
	}
	acc.Enabled = enabled == 1
	acc.CreatedAt = fromMs(createdAt)
	acc.UpdatedAt = fromMs(updatedAt)
	return acc, nil
}
