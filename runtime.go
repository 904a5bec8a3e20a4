package orchestra

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/orchestra/internal/engine"
	"github.com/petrijr/orchestra/internal/lock"
	"github.com/petrijr/orchestra/internal/persistence"
	"github.com/petrijr/orchestra/internal/taskqueue"
	"github.com/petrijr/orchestra/pkg/metrics"
	"github.com/petrijr/orchestra/pkg/worker"
)

// Runtime is a controller assembled from a Config together with an event
// worker that feeds out-of-band events into it.
type Runtime struct {
	Controller Controller
	// Events consumes events enqueued with PublishEventAsync.
	Events *worker.Worker
	Logger *slog.Logger
	// Metrics is nil unless metrics are enabled.
	Metrics *prometheus.Registry

	cfg     Config
	closers []func() error

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

type backend struct {
	store  persistence.Store
	locker lock.Locker
	queue  taskqueue.Queue
}

// Open builds storage clients, the lease locker, publishers and the
// controller described by cfg. extra publishers receive lifecycle events
// alongside the logging and Prometheus publishers.
func Open(ctx context.Context, cfg Config, extra ...Publisher) (*Runtime, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt := &Runtime{cfg: cfg}
	logger, logCloser, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	rt.Logger = logger
	rt.closers = append(rt.closers, logCloser.Close)

	be, err := rt.openBackend(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}

	pubs := []Publisher{NewLoggingPublisher(logger)}
	if cfg.Metrics.Enabled {
		reg, err := metrics.NewRegistry()
		if err != nil {
			rt.Close()
			return nil, err
		}
		prom, err := metrics.NewPrometheusPublisher(reg, cfg.Metrics.Namespace)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.Metrics = reg
		pubs = append(pubs, prom)
	}
	pubs = append(pubs, extra...)
	publisher := NewCompositePublisher(pubs...)

	ctrl, err := engine.NewController(engine.Config{
		HostID:            cfg.HostID,
		Store:             be.store,
		Locker:            be.locker,
		Publisher:         publisher,
		AwaitPublish:      cfg.Engine.AwaitPublish,
		QueueCapacity:     cfg.Engine.QueueCapacity,
		SweepSchedule:     cfg.Engine.SweepSchedule,
		WorkerIdleTimeout: cfg.Engine.WorkerIdleTimeout,
		LockExpiration:    cfg.Engine.LockExpiration,
		Logger:            logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Controller = ctrl
	rt.Events = worker.NewWithConfig(ctrl, publisher, be.queue, worker.Config{
		MaxAttempts: cfg.Events.MaxAttempts,
		Backoff:     cfg.Events.Backoff,
		Logger:      logger,
	})

	logger.Info("runtime_opened",
		slog.String("driver", cfg.Storage.Driver),
		slog.String("host_id", ctrl.HostID()),
		slog.Bool("metrics", cfg.Metrics.Enabled),
	)
	return rt, nil
}

func (rt *Runtime) openBackend(ctx context.Context) (backend, error) {
	st := rt.cfg.Storage
	switch st.Driver {
	case DriverSQLite:
		store, db, err := persistence.OpenSQLite(ctx, st.DSN)
		if err != nil {
			return backend{}, err
		}
		rt.closers = append(rt.closers, db.Close)
		return sqlBackend(ctx, store, db, lock.DialectSQLite)

	case DriverPostgres:
		store, db, err := persistence.OpenPostgres(ctx, st.DSN)
		if err != nil {
			return backend{}, err
		}
		rt.closers = append(rt.closers, db.Close)
		return sqlBackend(ctx, store, db, lock.DialectPostgres)

	case DriverRedis:
		opts, err := redis.ParseURL(st.DSN)
		if err != nil {
			return backend{}, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		rt.closers = append(rt.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return backend{}, fmt.Errorf("ping redis: %w", err)
		}
		return backend{
			store:  persistence.NewRedisStore(client, st.Prefix),
			locker: lock.NewRedisLocker(client, st.Prefix),
			queue:  taskqueue.NewRedisQueue(client, st.Prefix),
		}, nil

	case DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(st.DSN))
		if err != nil {
			return backend{}, fmt.Errorf("connect mongo: %w", err)
		}
		rt.closers = append(rt.closers, func() error { return client.Disconnect(context.Background()) })
		if err := client.Ping(ctx, nil); err != nil {
			return backend{}, fmt.Errorf("ping mongo: %w", err)
		}
		store, err := persistence.NewMongoStore(ctx, client, st.Database)
		if err != nil {
			return backend{}, err
		}
		db := client.Database(st.Database)
		return backend{
			store:  store,
			locker: lock.NewMongoLocker(db),
			queue:  taskqueue.NewMongoQueue(db, ""),
		}, nil
	}

	return backend{
		store:  persistence.NewMemoryStore(),
		locker: lock.NewMemoryLocker(),
		queue:  taskqueue.NewInMemoryQueue(rt.cfg.Engine.QueueCapacity),
	}, nil
}

func sqlBackend(ctx context.Context, store persistence.Store, db *sql.DB, dialect lock.Dialect) (backend, error) {
	locker, err := lock.NewSQLLocker(ctx, db, dialect)
	if err != nil {
		return backend{}, err
	}
	var q taskqueue.Queue
	if dialect == lock.DialectPostgres {
		q, err = taskqueue.NewPostgresQueue(ctx, db)
	} else {
		q, err = taskqueue.NewSQLiteQueue(ctx, db)
	}
	if err != nil {
		return backend{}, err
	}
	return backend{store: store, locker: locker, queue: q}, nil
}

// Start recovers unfinished instances, starts the controller's background
// loops and the configured number of event workers.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		return errors.New("orchestra: runtime already started")
	}
	if err := rt.Controller.Start(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt.cancel = cancel
	rt.started = true
	for i := 0; i < rt.cfg.Events.Workers; i++ {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			_ = rt.Events.Run(ctx)
		}()
	}
	return nil
}

// PublishEventAsync queues an event for delivery by the event workers.
func (rt *Runtime) PublishEventAsync(ctx context.Context, req EventRequest) error {
	return rt.Events.EnqueueEvent(ctx, req)
}

// MetricsHandler serves the Prometheus registry, or 404 when metrics are
// disabled.
func (rt *Runtime) MetricsHandler() http.Handler {
	if rt.Metrics == nil {
		return http.NotFoundHandler()
	}
	return metrics.Handler(rt.Metrics)
}

// Close stops the event workers and the controller, then releases storage
// clients.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	cancel := rt.cancel
	rt.cancel = nil
	rt.mu.Unlock()

	if cancel != nil {
		cancel()
		rt.wg.Wait()
	}
	if rt.Controller != nil {
		rt.Controller.Stop()
	}

	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
