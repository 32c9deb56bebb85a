package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UpsertInventoryBatch writes recs in one transaction. For each record it
// reports whether the row was newly inserted. Existing rows keep their key
// and Seen flag; every other column is overwritten.
func (s *Store) UpsertInventoryBatch(ctx context.Context, recs []InventoryRecord) ([]bool, error) {
	inserted := make([]bool, len(recs))
	if len(recs) == 0 {
		return inserted, nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for i, r := range recs {
			var one int
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM inventory WHERE account_name = ? AND container_name = ? AND name = ?`,
				r.AccountName, r.ContainerName, r.Name,
			).Scan(&one)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO inventory(account_name, container_name, name, category, seen, created_on, last_modified, last_seen_at, content_length, content_hash)
					 VALUES(?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
					r.AccountName, r.ContainerName, r.Name, r.Category,
					millis(r.CreatedOn), millis(r.LastModified), millis(r.LastSeenAt), r.ContentLength, r.ContentHash,
				); err != nil {
					return fmt.Errorf("insert %s/%s: %w", r.ContainerName, r.Name, err)
				}
				inserted[i] = true
			case err != nil:
				return err
			default:
				if _, err := tx.ExecContext(ctx,
					`UPDATE inventory SET category = ?, created_on = ?, last_modified = ?, last_seen_at = ?, content_length = ?, content_hash = ?
					 WHERE account_name = ? AND container_name = ? AND name = ?`,
					r.Category, millis(r.CreatedOn), millis(r.LastModified), millis(r.LastSeenAt), r.ContentLength, r.ContentHash,
					r.AccountName, r.ContainerName, r.Name,
				); err != nil {
					return fmt.Errorf("update %s/%s: %w", r.ContainerName, r.Name, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// DeleteStaleInventory deletes at most q.Limit records last seen before
// q.Before, oldest first. more reports that further stale records remain.
func (s *Store) DeleteStaleInventory(ctx context.Context, q StaleQuery) (deleted []InventoryRecord, more bool, err error) {
	if q.Limit <= 0 {
		return nil, false, errors.New("stale query limit must be positive")
	}
	where, args := scopeWhere(q.AccountName, q.ContainerName)
	where = append(where, "last_seen_at < ?")
	args = append(args, q.Before.UnixMilli())

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT account_name, container_name, name, category, seen, created_on, last_modified, last_seen_at, content_length, content_hash
			 FROM inventory WHERE `+strings.Join(where, " AND ")+` ORDER BY last_seen_at LIMIT ?`,
			append(args, q.Limit+1)...,
		)
		if err != nil {
			return err
		}
		victims, err := scanInventory(rows)
		if err != nil {
			return err
		}
		if len(victims) > q.Limit {
			victims = victims[:q.Limit]
			more = true
		}
		for _, v := range victims {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM inventory WHERE account_name = ? AND container_name = ? AND name = ?`,
				v.AccountName, v.ContainerName, v.Name,
			); err != nil {
				return err
			}
		}
		deleted = victims
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return deleted, more, nil
}

// PickUnseenInventory returns a random unseen record matching q, or ErrNotFound.
func (s *Store) PickUnseenInventory(ctx context.Context, q PickQuery) (Pick, error) {
	where, args := scopeWhere(q.AccountName, q.ContainerName)
	where = append(where, "seen = 0", `category LIKE ? ESCAPE '\'`)
	args = append(args, likePrefix(q.CategoryPrefix))
	base := strings.Join(where, " AND ")

	var p Pick
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inventory WHERE `+base, args...,
	).Scan(&p.MatchingUnseen); err != nil {
		return Pick{}, err
	}
	if p.MatchingUnseen == 0 {
		return p, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT account_name, container_name, name, category, seen, created_on, last_modified, last_seen_at, content_length, content_hash
		 FROM inventory WHERE `+base+` ORDER BY random() LIMIT 1`, args...,
	)
	if err != nil {
		return Pick{}, err
	}
	recs, err := scanInventory(rows)
	if err != nil {
		return Pick{}, err
	}
	if len(recs) == 0 {
		return p, ErrNotFound
	}
	p.Record = recs[0]

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inventory WHERE `+base+` AND category = ?`, append(args, p.Record.Category)...,
	).Scan(&p.CategoryUnseen); err != nil {
		return Pick{}, err
	}
	return p, nil
}

func (s *Store) MarkInventorySeen(ctx context.Context, key InventoryKey) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE inventory SET seen = 1 WHERE account_name = ? AND container_name = ? AND name = ?`,
		key.AccountName, key.ContainerName, key.Name,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetInventorySeen clears Seen for records in scope whose category starts with prefix.
func (s *Store) ResetInventorySeen(ctx context.Context, q PickQuery) (int64, error) {
	where, args := scopeWhere(q.AccountName, q.ContainerName)
	where = append(where, `seen = 1`, `category LIKE ? ESCAPE '\'`)
	args = append(args, likePrefix(q.CategoryPrefix))
	res, err := s.db.ExecContext(ctx, `UPDATE inventory SET seen = 0 WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InventoryStats returns per-container, per-category totals.
func (s *Store) InventoryStats(ctx context.Context, accountName string) ([]CategoryStat, error) {
	where, args := scopeWhere(accountName, "")
	rows, err := s.db.QueryContext(ctx,
		`SELECT container_name, category, COUNT(*), SUM(CASE WHEN seen = 0 THEN 1 ELSE 0 END)
		 FROM inventory WHERE `+strings.Join(where, " AND ")+`
		 GROUP BY container_name, category ORDER BY container_name, category`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CategoryStat
	for rows.Next() {
		var st CategoryStat
		if err := rows.Scan(&st.ContainerName, &st.Category, &st.Total, &st.Unseen); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) GetInventory(ctx context.Context, key InventoryKey) (InventoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_name, container_name, name, category, seen, created_on, last_modified, last_seen_at, content_length, content_hash
		 FROM inventory WHERE account_name = ? AND container_name = ? AND name = ?`,
		key.AccountName, key.ContainerName, key.Name,
	)
	if err != nil {
		return InventoryRecord{}, err
	}
	recs, err := scanInventory(rows)
	if err != nil {
		return InventoryRecord{}, err
	}
	if len(recs) == 0 {
		return InventoryRecord{}, ErrNotFound
	}
	return recs[0], nil
}

func scopeWhere(account, container string) ([]string, []any) {
	where := []string{"1 = 1"}
	var args []any
	if account != "" {
		where = append(where, "account_name = ?")
		args = append(args, account)
	}
	if container != "" {
		where = append(where, "container_name = ?")
		args = append(args, container)
	}
	return where, args
}

func scanInventory(rows *sql.Rows) ([]InventoryRecord, error) {
	defer rows.Close()
	var out []InventoryRecord
	for rows.Next() {
		var r InventoryRecord
		var seen int
		var created, modified, lastSeen int64
		if err := rows.Scan(&r.AccountName, &r.ContainerName, &r.Name, &r.Category, &seen,
			&created, &modified, &lastSeen, &r.ContentLength, &r.ContentHash); err != nil {
			return nil, err
		}
		r.Seen = seen != 0
		r.CreatedOn = fromMillis(created)
		r.LastModified = fromMillis(modified)
		r.LastSeenAt = time.UnixMilli(lastSeen)
		out = append(out, r)
	}
	return out, rows.Err()
}
