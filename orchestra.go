package orchestra

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/orchestra/internal/engine"
	"github.com/petrijr/orchestra/internal/lock"
	"github.com/petrijr/orchestra/internal/persistence"
	"github.com/petrijr/orchestra/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Controller           = api.Controller
	Definition           = api.Definition
	Step                 = api.Step
	StepKind             = api.StepKind
	StepBody             = api.StepBody
	BodyFactory          = api.BodyFactory
	StepContext          = api.StepContext
	EventSpec            = api.EventSpec
	ExecutionResult      = api.ExecutionResult
	ErrorHandling        = api.ErrorHandling
	Instance             = api.Instance
	ExecutionPointer     = api.ExecutionPointer
	InstanceStatus       = api.InstanceStatus
	PointerStatus        = api.PointerStatus
	StartRequest         = api.StartRequest
	EventRequest         = api.EventRequest
	Graph                = api.Graph
	LifecycleEvent       = api.LifecycleEvent
	LifecycleType        = api.LifecycleType
	Publisher            = api.Publisher
	PublisherFunc        = api.PublisherFunc
	LoggingPublisher     = api.LoggingPublisher
	CompositePublisher   = api.CompositePublisher
	NoopPublisher        = api.NoopPublisher
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
)

// Re-export common publisher helpers and step results.

var (
	NewLoggingPublisher   = api.NewLoggingPublisher
	NewCompositePublisher = api.NewCompositePublisher

	Next       = api.Next
	BranchTo   = api.BranchTo
	RetryAfter = api.RetryAfter
	Fail       = api.Fail
	WaitFor    = api.WaitFor
	Permanent  = api.Permanent
)

// RegisterType makes a concrete process data or event payload type
// storable by the durable backends.
var RegisterType = persistence.RegisterType

// Re-export status values for convenience.

const (
	StatusRunning    = api.InstanceRunning
	StatusExecuting  = api.InstanceExecuting
	StatusSuspended  = api.InstanceSuspended
	StatusTerminated = api.InstanceTerminated
	StatusCompleted  = api.InstanceCompleted

	PointerPending         = api.PointerPending
	PointerInProcess       = api.PointerInProcess
	PointerCompleted       = api.PointerCompleted
	PointerRetrying        = api.PointerRetrying
	PointerWaitingForEvent = api.PointerWaitingForEvent
	PointerSuspended       = api.PointerSuspended
)

// Engine defaults applied when neither the definition nor Options set a
// value.
const (
	DefaultLockExpiration    = api.DefaultLockExpiration
	DefaultWorkerIdleTimeout = api.DefaultWorkerIdleTimeout
)

// Re-export sentinel errors.

var (
	ErrInstanceNotFound   = api.ErrInstanceNotFound
	ErrDefinitionNotFound = api.ErrDefinitionNotFound
	ErrDefinitionExists   = api.ErrDefinitionExists
	ErrValidation         = api.ErrValidation
	ErrLockConflict       = api.ErrLockConflict
	ErrSingletonConflict  = api.ErrSingletonConflict
	ErrInvalidState       = api.ErrInvalidState
	ErrEventWaitExpired   = api.ErrEventWaitExpired
)

// Options tunes a controller. The zero value is usable.
type Options struct {
	// HostID identifies this process as a lock owner. Empty generates one.
	HostID    string
	Publisher Publisher
	Logger    *slog.Logger
	// AwaitPublish delivers lifecycle events inline.
	AwaitPublish      bool
	QueueCapacity     int
	SweepSchedule     string
	WorkerIdleTimeout time.Duration
	// LockExpiration applies to definitions that don't set one.
	LockExpiration time.Duration
	// Prefix namespaces Redis keys. Empty uses "orchestra:".
	Prefix string
}

func (o Options) config(store persistence.Store, locker lock.Locker) engine.Config {
	return engine.Config{
		HostID:            o.HostID,
		Store:             store,
		Locker:            locker,
		Publisher:         o.Publisher,
		AwaitPublish:      o.AwaitPublish,
		QueueCapacity:     o.QueueCapacity,
		SweepSchedule:     o.SweepSchedule,
		WorkerIdleTimeout: o.WorkerIdleTimeout,
		LockExpiration:    o.LockExpiration,
		Logger:            o.Logger,
	}
}

func newController(cfg engine.Config) (Controller, error) {
	c, err := engine.NewController(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Controller constructors.
// These wrap the internal packages so external callers never need to
// import them.

// NewInMemoryController returns a Controller backed by in-memory storage
// and locks. State is lost when the process exits.
func NewInMemoryController(opts Options) (Controller, error) {
	return newController(opts.config(persistence.NewMemoryStore(), lock.NewMemoryLocker()))
}

// NewSQLiteController returns a Controller that persists instances and
// leases in a SQLite database.
func NewSQLiteController(ctx context.Context, db *sql.DB, opts Options) (Controller, error) {
	store, err := persistence.NewSQLiteStore(ctx, db)
	if err != nil {
		return nil, err
	}
	locker, err := lock.NewSQLLocker(ctx, db, lock.DialectSQLite)
	if err != nil {
		return nil, err
	}
	return newController(opts.config(store, locker))
}

// NewPostgresController returns a Controller backed by PostgreSQL. The db
// handle should use the pgx stdlib driver.
func NewPostgresController(ctx context.Context, db *sql.DB, opts Options) (Controller, error) {
	store, err := persistence.NewPostgresStore(ctx, db)
	if err != nil {
		return nil, err
	}
	locker, err := lock.NewSQLLocker(ctx, db, lock.DialectPostgres)
	if err != nil {
		return nil, err
	}
	return newController(opts.config(store, locker))
}

// NewRedisController returns a Controller that keeps state and leases in
// Redis. Peers sharing the prefix are woken through Pub/Sub.
func NewRedisController(client redis.UniversalClient, opts Options) (Controller, error) {
	store := persistence.NewRedisStore(client, opts.Prefix)
	locker := lock.NewRedisLocker(client, opts.Prefix)
	return newController(opts.config(store, locker))
}

// NewMongoController returns a Controller backed by the named MongoDB
// database.
func NewMongoController(ctx context.Context, client *mongo.Client, database string, opts Options) (Controller, error) {
	store, err := persistence.NewMongoStore(ctx, client, database)
	if err != nil {
		return nil, err
	}
	locker := lock.NewMongoLocker(client.Database(database))
	return newController(opts.config(store, locker))
}

// IsCompleted reports whether the instance reached Completed.
func IsCompleted(ctx context.Context, c Controller, instanceID string) (bool, error) {
	return c.IsCompleted(ctx, instanceID)
}

// WaitForStatus polls until the instance reaches one of the statuses or
// ctx is done.
//
//	inst, err := orchestra.WaitForStatus(ctx, c, id, 50*time.Millisecond, orchestra.StatusCompleted)
func WaitForStatus(ctx context.Context, c Controller, instanceID string, poll time.Duration, statuses ...InstanceStatus) (*Instance, error) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		inst, err := c.GetOrchestrationInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		for _, s := range statuses {
			if inst.Status == s {
				return inst, nil
			}
		}
		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-ticker.C:
		}
	}
}
