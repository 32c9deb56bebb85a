package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// InsertScheduledItem stores it and sets it.ID.
func (s *Store) InsertScheduledItem(ctx context.Context, it *ScheduledItem) error {
	if it == nil {
		return errors.New("nil scheduled item")
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_items(chat_id, thread_id, kind, container, category, text, username, created_at, scheduled_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.Target.ChatID, it.Target.ThreadID, string(it.Kind), it.Container, it.Category, it.Text, it.Username,
		it.CreatedAt.UnixMilli(), it.ScheduledAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert scheduled item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	it.ID = id
	return nil
}

// NextScheduledItems returns up to n items ordered by ScheduledAt, then ID.
func (s *Store) NextScheduledItems(ctx context.Context, n int) ([]ScheduledItem, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, thread_id, kind, container, category, text, username, created_at, scheduled_at
		 FROM scheduled_items ORDER BY scheduled_at, id LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ScheduledItem, 0, n)
	for rows.Next() {
		var it ScheduledItem
		var kind string
		var created, scheduled int64
		if err := rows.Scan(&it.ID, &it.Target.ChatID, &it.Target.ThreadID, &kind, &it.Container, &it.Category,
			&it.Text, &it.Username, &created, &scheduled); err != nil {
			return nil, err
		}
		it.Kind = ItemKind(kind)
		it.CreatedAt = time.UnixMilli(created)
		it.ScheduledAt = time.UnixMilli(scheduled)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) DeleteScheduledItem(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_items WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CountScheduledItems(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scheduled_items`).Scan(&n)
	return n, err
}
