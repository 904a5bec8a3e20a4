package orchestra

import (
	"context"
	"database/sql"

	"github.com/petrijr/orchestra/internal/taskqueue"
	workerpkg "github.com/petrijr/orchestra/pkg/worker"
)

// WorkerBundle wires together a Controller, a durable task queue, and a
// Worker that delivers queued events to the controller.
//
// For now, we only provide a SQLite-backed bundle.
type WorkerBundle struct {
	Controller Controller
	Worker     *workerpkg.Worker

	// queue is kept unexported; the public API focuses on Controller and
	// Worker.
	queue taskqueue.Queue
}

// NewSQLiteBundle constructs a durable Controller + Queue + Worker combo
// sharing the same SQLite database. Instances, leases and queued events
// are persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:orchestra.db?_pragma=journal_mode(WAL)")
//	bundle, err := orchestra.NewSQLiteBundle(ctx, db, worker.Config{MaxAttempts: 3}, orchestra.Options{})
//	// register definitions on bundle.Controller
//	// enqueue events via bundle.Worker
func NewSQLiteBundle(ctx context.Context, db *sql.DB, cfg workerpkg.Config, opts Options) (*WorkerBundle, error) {
	c, err := NewSQLiteController(ctx, db, opts)
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewSQLiteQueue(ctx, db)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = opts.Logger
	}

	return &WorkerBundle{
		Controller: c,
		Worker:     workerpkg.NewWithConfig(c, opts.Publisher, q, cfg),
		queue:      q,
	}, nil
}

// Pending returns the number of queued events not yet delivered.
func (b *WorkerBundle) Pending() int {
	return b.queue.Len()
}
