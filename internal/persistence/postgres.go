package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore is a Store backed by PostgreSQL through the pgx
// database/sql driver, registered under the name "pgx".
type PostgresStore struct {
	sqlStore
}

var _ Store = (*PostgresStore)(nil)

const pgUniqueViolation = "23505"

var postgresDialect = dialect{
	name:           "postgres",
	blobType:       "BYTEA",
	seqColumn:      "BIGSERIAL PRIMARY KEY",
	numberedParams: true,
	isUniqueViolation: func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
	},
}

// NewPostgresStore initializes the required schema in db and returns a new
// PostgresStore.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{sqlStore{db: db, d: postgresDialect}}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to dsn and returns a store over it.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, *sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	s, err := NewPostgresStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return s, db, nil
}
