package sqlite

import (
	"context"
	"database/sql"

	"feedcrawler/internal/model"
)

// InsertItems stores items not seen before for their target and returns how
// many were new.
func (s *Store) InsertItems(ctx context.Context, items []model.Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO items (target_id, id, owner_id, author, text, url, posted_at, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, it := range items {
			if it.ID == "" {
				continue
			}
			res, err := stmt.ExecContext(ctx, it.TargetID, it.ID, it.OwnerID, it.Author, it.Text, it.URL, ms(it.PostedAt), ms(it.FetchedAt))
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Store) ListItems(ctx context.Context, targetID string, limit int) ([]model.Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_id, id, owner_id, author, text, url, posted_at, fetched_at
		FROM items WHERE target_id = ? ORDER BY fetched_at DESC, id LIMIT ?
	`, targetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Item
	for rows.Next() {
		var (
			it                  model.Item
			postedAt, fetchedAt int64
		)
		if err := rows.Scan(&it.TargetID, &it.ID, &it.OwnerID, &it.Author, &it.Text, &it.URL, &postedAt, &fetchedAt); err != nil {
			return nil, err
		}
		it.PostedAt = fromMs(postedAt)
		it.FetchedAt = fromMs(fetchedAt)
		out = append(out, it)
	}
	return out, rows.Err()
}
