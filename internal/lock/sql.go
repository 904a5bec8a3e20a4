package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder syntax for SQLLocker.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQLLocker keeps leases in the orchestration_locks table. Works against
// SQLite (modernc.org/sqlite) and Postgres (pgx stdlib).
type SQLLocker struct {
	db      *sql.DB
	dialect Dialect

	Now func() time.Time
}

// NewSQLLocker creates the lease table if needed.
func NewSQLLocker(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLLocker, error) {
	l := &SQLLocker{db: db, dialect: dialect, Now: time.Now}
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orchestration_locks (
			lock_key   TEXT PRIMARY KEY,
			owner      TEXT NOT NULL DEFAULT '',
			expires_at BIGINT NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return nil, fmt.Errorf("create orchestration_locks: %w", err)
	}
	return l, nil
}

func (l *SQLLocker) rebind(q string) string {
	if l.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (l *SQLLocker) holder(ctx context.Context, key string) (string, bool, error) {
	var owner string
	err := l.db.QueryRowContext(ctx, l.rebind(`SELECT owner FROM orchestration_locks WHERE lock_key = ?`), key).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}

func (l *SQLLocker) AcquireLock(ctx context.Context, kf KeyFactory, owner string, expiresAt time.Time) (Result, error) {
	key := kf.LockKey()
	res, err := l.db.ExecContext(ctx, l.rebind(`
		INSERT INTO orchestration_locks (lock_key, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (lock_key) DO UPDATE
		SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE orchestration_locks.owner = excluded.owner
		   OR orchestration_locks.owner = ''
		   OR orchestration_locks.expires_at <= ?`),
		key, owner, expiresAt.UnixNano(), l.Now().UnixNano(),
	)
	if err != nil {
		return Result{}, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Result{}, err
	}
	if n > 0 {
		return Result{Succeeded: true}, nil
	}
	cur, _, err := l.holder(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("read lock holder %q: %w", key, err)
	}
	return Result{LockedBy: cur}, nil
}

func (l *SQLLocker) ReleaseLock(ctx context.Context, kf KeyFactory, data SyncData) (Result, error) {
	key := kf.LockKey()
	res, err := l.db.ExecContext(ctx, l.rebind(`DELETE FROM orchestration_locks WHERE lock_key = ? AND owner = ?`), key, data.Owner)
	if err != nil {
		return Result{}, fmt.Errorf("release lock %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Result{}, err
	}
	if n > 0 {
		return Result{Succeeded: true}, nil
	}
	cur, found, err := l.holder(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("read lock holder %q: %w", key, err)
	}
	if !found {
		return Result{Succeeded: true}, nil
	}
	return Result{LockedBy: cur}, nil
}
