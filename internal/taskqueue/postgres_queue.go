package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresQueue is a persistent task queue stored in a PostgreSQL table.
// Consumers claim the earliest due row with FOR UPDATE SKIP LOCKED, so
// several workers and hosts can drain one queue.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue creates the queue table if needed.
func NewPostgresQueue(ctx context.Context, db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db, pollInterval: 100 * time.Millisecond}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orchestration_tasks (
			seq         BIGSERIAL PRIMARY KEY,
			task_id     TEXT NOT NULL DEFAULT '',
			type        TEXT NOT NULL,
			task        BYTEA NOT NULL,
			enqueued_at BIGINT NOT NULL,
			not_before  BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS orchestration_tasks_due ON orchestration_tasks (not_before, seq);
	`); err != nil {
		return nil, fmt.Errorf("create task table: %w", err)
	}
	return q, nil
}

var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	due := t.EnqueuedAt
	if !t.NotBefore.IsZero() {
		due = t.NotBefore
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO orchestration_tasks (task_id, type, task, enqueued_at, not_before) VALUES ($1, $2, $3, $4, $5)`,
		t.ID, string(t.Type), data, t.EnqueuedAt.UnixNano(), due.UnixNano(),
	)
	return err
}

// next claims and deletes the earliest due task. It returns nil when none
// is due.
func (q *PostgresQueue) next(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq  int64
		data []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT seq, task FROM orchestration_tasks
		WHERE not_before <= $1
		ORDER BY not_before, seq
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, time.Now().UnixNano()).Scan(&seq, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM orchestration_tasks WHERE seq = $1`, seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t, err := DecodeTask(data)
	if err != nil {
		return nil, fmt.Errorf("decode task %d: %w", seq, err)
	}
	return t, nil
}

// Dequeue polls until a task is due or ctx is done.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := time.NewTimer(0)
	<-tmr.C
	defer tmr.Stop()

	for {
		t, err := q.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM orchestration_tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
