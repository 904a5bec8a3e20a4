package persistence

import (
	"context"
	"database/sql"
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB opened with the "sqlite" driver from
// modernc.org/sqlite, which this package registers. SQLite serializes
// writers; callers sharing a file between processes should set a busy
// timeout in the DSN, e.g. "file:orchestra.db?_pragma=busy_timeout(5000)".
type SQLiteStore struct {
	sqlStore
}

var _ Store = (*SQLiteStore)(nil)

var sqliteDialect = dialect{
	name:      "sqlite",
	blobType:  "BLOB",
	seqColumn: "INTEGER PRIMARY KEY AUTOINCREMENT",
	isUniqueViolation: func(err error) bool {
		var se *sqlite.Error
		if !errors.As(err, &se) {
			return false
		}
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	},
}

// NewSQLiteStore initializes the required schema in db and returns a new
// SQLiteStore.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{sqlStore{db: db, d: sqliteDialect}}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) a SQLite database at dsn and returns a store
// over it. A single connection is used so in-memory databases stay shared.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, *sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return s, db, nil
}
