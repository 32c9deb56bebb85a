package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *Store) GetLedger(ctx context.Context, name string) (LedgerEntry, error) {
	var e LedgerEntry
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT name, last_executed_at, execution_count FROM job_ledger WHERE name = ?`, name,
	).Scan(&e.Name, &last, &e.ExecutionCount)
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerEntry{}, ErrNotFound
	}
	if err != nil {
		return LedgerEntry{}, err
	}
	e.LastExecutedAt = fromMillis(last)
	return e, nil
}

// ClaimLedger records a run of name at now, provided the row still holds
// prev. A nil prev means the row must not exist yet. It reports false when
// another claimant got there first.
func (s *Store) ClaimLedger(ctx context.Context, name string, prev *LedgerEntry, now time.Time) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if prev == nil {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO job_ledger(name, last_executed_at, execution_count) VALUES(?, ?, 1)
			 ON CONFLICT(name) DO NOTHING`,
			name, now.UnixMilli(),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE job_ledger SET last_executed_at = ?, execution_count = execution_count + 1
			 WHERE name = ? AND last_executed_at = ?`,
			now.UnixMilli(), name, millis(prev.LastExecutedAt),
		)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ListLedger(ctx context.Context) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, last_executed_at, execution_count FROM job_ledger ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var last int64
		if err := rows.Scan(&e.Name, &last, &e.ExecutionCount); err != nil {
			return nil, err
		}
		e.LastExecutedAt = fromMillis(last)
		out = append(out, e)
	}
	return out, rows.Err()
}
