package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RecordSentMessage stores m and sets m.ID.
func (s *Store) RecordSentMessage(ctx context.Context, m *SentMessage) error {
	if m == nil {
		return errors.New("nil sent message")
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sent_messages(chat_id, thread_id, message_id, sent_at) VALUES(?, ?, ?, ?)`,
		m.ChatID, m.ThreadID, m.MessageID, millis(m.SentAt),
	)
	if err != nil {
		return fmt.Errorf("record sent message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	m.ID = id
	return nil
}

// SentMessagesBefore returns up to limit messages sent before t, oldest first.
func (s *Store) SentMessagesBefore(ctx context.Context, t time.Time, limit int) ([]SentMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, thread_id, message_id, sent_at FROM sent_messages
		 WHERE sent_at < ? ORDER BY sent_at, id LIMIT ?`, millis(t), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SentMessage
	for rows.Next() {
		var m SentMessage
		var sent int64
		if err := rows.Scan(&m.ID, &m.ChatID, &m.ThreadID, &m.MessageID, &sent); err != nil {
			return nil, err
		}
		m.SentAt = fromMillis(sent)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ForgetSentMessage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sent_messages WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
