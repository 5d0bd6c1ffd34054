package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"callboard/pkg/utils"
)

// PostgresQueue stores tasks in ingest_tasks and dead letters in
// ingest_dead_letters. Claims use FOR UPDATE SKIP LOCKED so several
// workers (and processes) can share the table.
type PostgresQueue struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db, clock: time.Now}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, payload json.RawMessage) (int64, error) {
	if len(payload) == 0 {
		return 0, ErrEmptyPayload
	}
	now := q.clock().UTC()
	const stmt = `
INSERT INTO ingest_tasks (payload, attempts, available_at, created_at)
VALUES ($1::jsonb, 0, $2, $2)
RETURNING id`
	var id int64
	if err := q.db.QueryRowContext(ctx, stmt, string(payload), now).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

const claimSQL = `
WITH picked AS (
	SELECT id
	FROM ingest_tasks
	WHERE available_at <= $1
	  AND (leased_until IS NULL OR leased_until <= $1)
	ORDER BY id
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE ingest_tasks t
SET attempts = t.attempts + 1,
    leased_until = $3
FROM picked
WHERE t.id = picked.id
RETURNING t.id, t.payload, t.attempts, COALESCE(t.last_error, ''), t.created_at`

func (q *PostgresQueue) Claim(ctx context.Context, n int, lease time.Duration) ([]Task, error) {
	if n <= 0 {
		n = 1
	}
	now := q.clock().UTC()
	rows, err := q.db.QueryContext(ctx, claimSQL, now, n, now.Add(lease))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var (
			t       Task
			payload []byte
		)
		if err := rows.Scan(&t.ID, &payload, &t.Attempts, &t.LastError, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Payload = json.RawMessage(payload)
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM ingest_tasks WHERE id = $1`, id)
	return err
}

func (q *PostgresQueue) Retry(ctx context.Context, id int64, delay time.Duration, cause string) error {
	const stmt = `
UPDATE ingest_tasks
SET available_at = $2, leased_until = NULL, last_error = $3
WHERE id = $1`
	res, err := q.db.ExecContext(ctx, stmt, id, q.clock().UTC().Add(delay), cause)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (q *PostgresQueue) DeadLetter(ctx context.Context, t Task, cause string) error {
	now := q.clock().UTC()
	return utils.WithTx(ctx, q.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const ins = `
INSERT INTO ingest_dead_letters (task_id, payload, attempts, last_error, failed_at)
VALUES ($1, $2::jsonb, $3, $4, $5)`
		if _, err := tx.ExecContext(ctx, ins, t.ID, string(t.Payload), t.Attempts, cause, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM ingest_tasks WHERE id = $1`, t.ID)
		return err
	})
}

func (q *PostgresQueue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingest_tasks`).Scan(&n)
	return n, err
}
