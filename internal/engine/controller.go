package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/petrijr/orchestra/internal/lock"
	"github.com/petrijr/orchestra/internal/persistence"
	"github.com/petrijr/orchestra/internal/taskqueue"
	"github.com/petrijr/orchestra/pkg/api"
	"github.com/petrijr/orchestra/pkg/worker"
)

// Config describes how to construct a Controller.
type Config struct {
	// HostID identifies this host as a lock owner. Empty generates one.
	HostID string

	Store  persistence.Store
	Locker lock.Locker

	// Publisher receives lifecycle events. Nil discards them.
	Publisher api.Publisher
	// AwaitPublish delivers lifecycle events inline instead of through the
	// in-memory queue.
	AwaitPublish bool
	// QueueCapacity bounds the lifecycle queue.
	QueueCapacity int

	// SweepSchedule is a cron spec; empty uses DefaultSweepSchedule.
	SweepSchedule string
	// WorkerIdleTimeout applies to definitions that don't set one.
	WorkerIdleTimeout time.Duration
	// LockExpiration applies to definitions that don't set one.
	LockExpiration time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Controller is the engine's api.Controller implementation.
type Controller struct {
	hostID   string
	store    persistence.Store
	locker   lock.Locker
	defs     *registry
	exec     *Executor
	events   *dispatcher
	schedule cron.Schedule
	idle     time.Duration
	lease    time.Duration
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*instanceWorker

	startOnce sync.Once
	stopOnce  sync.Once
}

var _ api.Controller = (*Controller)(nil)

// NewController creates a controller. Instance workers run as soon as
// instances are started; Start adds recovery and background loops.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, &api.ValidationError{Field: "store", Reason: "is required"}
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewMemoryLocker()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = api.NoopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HostID == "" {
		cfg.HostID = uuid.NewString()
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.WorkerIdleTimeout <= 0 {
		cfg.WorkerIdleTimeout = api.DefaultWorkerIdleTimeout
	}
	schedule, err := parseSweepSchedule(cfg.SweepSchedule)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		hostID:   cfg.HostID,
		store:    cfg.Store,
		locker:   cfg.Locker,
		defs:     newRegistry(),
		schedule: schedule,
		idle:     cfg.WorkerIdleTimeout,
		lease:    cfg.LockExpiration,
		logger:   cfg.Logger.With(slog.String("host_id", cfg.HostID)),
		now:      cfg.Now,
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[string]*instanceWorker),
	}

	c.events = &dispatcher{target: cfg.Publisher, logger: c.logger}
	if !cfg.AwaitPublish {
		queue := taskqueue.NewInMemoryQueue(cfg.QueueCapacity)
		c.events.queue = worker.NewWithConfig(c, cfg.Publisher, queue, worker.Config{Logger: c.logger})
		c.background(func(ctx context.Context) { _ = c.events.queue.Run(ctx) })
	}
	c.exec = newExecutor(c.store, c.locker, c.defs, c.events, c.logger, c.hostID, c.now)
	return c, nil
}

// HostID returns the lock owner used by this host.
func (c *Controller) HostID() string { return c.hostID }

func (c *Controller) RegisterOrchestration(def *api.Definition) error {
	if def != nil && !def.Sealed() && def.DefaultLockExpiration <= 0 && c.lease > 0 {
		def.DefaultLockExpiration = c.lease
	}
	if err := c.defs.Register(def); err != nil {
		return err
	}
	c.logger.Info("definition_registered",
		slog.String("definition_id", def.ID),
		slog.Int("version", def.Version),
	)
	return nil
}

// Versions lists the registered versions of a definition.
func (c *Controller) Versions(id string) []int { return c.defs.Versions(id) }

func (c *Controller) GetDefinition(id string, version int) (*api.Definition, error) {
	return c.defs.Get(id, version)
}

// Graph exports the step graph of a registered definition.
func (c *Controller) Graph(id string, version int) (api.Graph, error) {
	def, err := c.defs.Get(id, version)
	if err != nil {
		return api.Graph{}, err
	}
	return def.Graph(), nil
}

func singletonKey(definitionID string) lock.Key {
	return lock.Key(definitionID + api.LockKeySeparator + "*" + api.LockKeySeparator + "singleton")
}

func (c *Controller) owner(lockOwner string) string {
	if lockOwner == "" {
		return c.hostID
	}
	return lockOwner
}

func (c *Controller) StartOrchestration(ctx context.Context, req api.StartRequest) (string, error) {
	def, err := c.defs.Get(req.DefinitionID, req.Version)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	key := req.Key
	if key == "" {
		key = id
	}

	if def.IsSingleton {
		kf := singletonKey(def.ID)
		unlock := c.exec.guard(string(kf))
		defer unlock()

		owner := c.owner(req.LockOwner)
		res, err := c.locker.AcquireLock(ctx, kf, owner, c.now().Add(def.DefaultLockExpiration))
		if err != nil {
			return "", fmt.Errorf("acquire singleton lock for %s: %w", def.ID, err)
		}
		if !res.Succeeded {
			return "", res.Conflict(kf)
		}
		defer func() {
			if _, err := c.locker.ReleaseLock(context.WithoutCancel(ctx), kf, lock.SyncData{Owner: owner}); err != nil {
				c.logger.Warn("singleton_release_failed", slog.String("definition_id", def.ID), slog.Any("error", err))
			}
		}()

		existing, err := c.store.GetAllUnfinishedInstances(ctx, def.ID)
		if err != nil {
			return "", fmt.Errorf("load unfinished instances of %s: %w", def.ID, err)
		}
		if len(existing) > 0 {
			cur := existing[0]
			if cur.Key == key {
				return cur.ID, nil
			}
			return "", &api.SingletonConflictError{
				DefinitionID: def.ID,
				ExistingKey:  cur.Key,
				RequestedKey: key,
				InstanceID:   cur.ID,
			}
		}
	}

	idle := def.WorkerIdleTimeout
	if idle <= 0 {
		idle = c.idle
	}
	inst := &api.Instance{
		ID:                id,
		Key:               key,
		DefinitionID:      def.ID,
		Version:           def.Version,
		Data:              req.Data,
		Status:            api.InstanceRunning,
		CreatedAt:         c.now(),
		WorkerIdleTimeout: idle,
		Trace:             req.Trace,
		Pointers:          []*api.ExecutionPointer{BuildGenesisPointer(def)},
	}
	if err := c.create(ctx, def, inst, c.owner(req.LockOwner)); err != nil {
		return "", err
	}

	c.events.Publish(ctx, lifecycle(api.LifecycleStarted, inst, req.Trace, c.now()))
	c.ensureWorker(inst)
	return id, nil
}

// create persists a new instance while holding its lease.
func (c *Controller) create(ctx context.Context, def *api.Definition, inst *api.Instance, owner string) error {
	unlock := c.exec.guard(inst.ID)
	defer unlock()

	kf := lock.Key(inst.LockKey())
	res, err := c.locker.AcquireLock(ctx, kf, owner, c.now().Add(def.DefaultLockExpiration))
	if err != nil {
		return fmt.Errorf("acquire lock for %s: %w", inst.ID, err)
	}
	if !res.Succeeded {
		return res.Conflict(kf)
	}

	cerr := c.store.CreateNewOrchestration(ctx, inst)
	if cerr != nil {
		cerr = fmt.Errorf("create instance of %s: %w", def.ID, cerr)
	}
	if _, err := c.locker.ReleaseLock(context.WithoutCancel(ctx), kf, lock.SyncData{Owner: owner, Changed: cerr == nil}); err != nil {
		cerr = errors.Join(cerr, fmt.Errorf("release lock for %s: %w", inst.ID, err))
	}
	return cerr
}

func lifecycle(typ api.LifecycleType, inst *api.Instance, trace string, at time.Time) api.LifecycleEvent {
	if trace == "" {
		trace = inst.Trace
	}
	return api.LifecycleEvent{
		Type:         typ,
		At:           at,
		InstanceID:   inst.ID,
		DefinitionID: inst.DefinitionID,
		Version:      inst.Version,
		Key:          inst.Key,
		Trace:        trace,
		StepID:       api.NoStep,
	}
}

// mutate runs fn on the instance header while holding the instance's
// local guard and its distributed lease.
func (c *Controller) mutate(ctx context.Context, instanceID, lockOwner string, fn func(*api.Instance) (bool, error)) (bool, error) {
	unlock := c.exec.guard(instanceID)
	defer unlock()

	inst, err := c.store.GetOrchestrationInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}

	expiration := api.DefaultLockExpiration
	if def, err := c.defs.Get(inst.DefinitionID, inst.Version); err == nil {
		expiration = def.DefaultLockExpiration
	}

	owner := c.owner(lockOwner)
	kf := lock.Key(inst.LockKey())
	res, err := c.locker.AcquireLock(ctx, kf, owner, c.now().Add(expiration))
	if err != nil {
		return false, fmt.Errorf("acquire lock for %s: %w", instanceID, err)
	}
	if !res.Succeeded {
		return false, res.Conflict(kf)
	}

	changed, ferr := fn(inst)
	if _, err := c.locker.ReleaseLock(context.WithoutCancel(ctx), kf, lock.SyncData{Owner: owner, Changed: changed}); err != nil {
		ferr = errors.Join(ferr, fmt.Errorf("release lock for %s: %w", instanceID, err))
	}
	return changed, ferr
}

func (c *Controller) SuspendOrchestration(ctx context.Context, instanceID, lockOwner, trace string) (bool, error) {
	return c.mutate(ctx, instanceID, lockOwner, func(inst *api.Instance) (bool, error) {
		if inst.Status == api.InstanceSuspended {
			return false, nil
		}
		if !inst.Status.CanTransition(api.InstanceSuspended) {
			return false, &api.InvalidStateError{InstanceID: inst.ID, Status: inst.Status, Op: "suspend"}
		}
		if err := c.store.UpdateOrchestrationStatus(ctx, inst.ID, api.InstanceSuspended, time.Time{}); err != nil {
			return false, err
		}
		c.events.Publish(ctx, lifecycle(api.LifecycleSuspended, inst, trace, c.now()))
		return true, nil
	})
}

func (c *Controller) ResumeOrchestration(ctx context.Context, instanceID, lockOwner, trace string) (bool, error) {
	var resumed *api.Instance
	ok, err := c.mutate(ctx, instanceID, lockOwner, func(inst *api.Instance) (bool, error) {
		if inst.Status != api.InstanceSuspended {
			return false, &api.InvalidStateError{InstanceID: inst.ID, Status: inst.Status, Op: "resume"}
		}
		pointers, err := c.store.GetExecutionPointers(ctx, inst.ID)
		if err != nil {
			return false, err
		}
		for _, p := range pointers {
			if p.Status != api.PointerSuspended {
				continue
			}
			var patch api.PointerPatch
			patch.SetStatus(api.PointerPending).
				SetActive(true).
				SetRetryCount(0).
				SetSleepUntil(time.Time{})
			if p.EventName != "" {
				// Restart the wait window.
				patch.SetEventWait(p.EventName, p.EventKey, p.EventTTL, time.Time{})
			}
			if err := c.store.UpdateExecutionPointer(ctx, inst.ID, p.ID, &patch); err != nil {
				return false, err
			}
		}
		if err := c.store.UpdateOrchestrationStatus(ctx, inst.ID, api.InstanceRunning, time.Time{}); err != nil {
			return false, err
		}
		inst.Status = api.InstanceRunning
		resumed = inst
		c.events.Publish(ctx, lifecycle(api.LifecycleResumed, inst, trace, c.now()))
		return true, nil
	})
	if resumed != nil {
		c.ensureWorker(resumed)
	}
	return ok, err
}

func (c *Controller) TerminateOrchestration(ctx context.Context, instanceID, lockOwner, trace string) (bool, error) {
	return c.mutate(ctx, instanceID, lockOwner, func(inst *api.Instance) (bool, error) {
		if inst.Status.IsFinished() {
			return false, &api.InvalidStateError{InstanceID: inst.ID, Status: inst.Status, Op: "terminate"}
		}
		if err := c.store.UpdateOrchestrationStatus(ctx, inst.ID, api.InstanceTerminated, c.now()); err != nil {
			return false, err
		}
		c.events.Publish(ctx, lifecycle(api.LifecycleTerminated, inst, trace, c.now()))
		return true, nil
	})
}

func (c *Controller) PublishEvent(ctx context.Context, req api.EventRequest) (string, error) {
	if req.Name == "" {
		return "", &api.ValidationError{Field: "name", Reason: "is required"}
	}
	if req.OrchestrationKey == "" {
		return "", &api.ValidationError{Field: "orchestration_key", Reason: "is required"}
	}

	ev := &api.Event{
		ID:               uuid.NewString(),
		Name:             req.Name,
		Key:              req.Key,
		OrchestrationKey: req.OrchestrationKey,
		Data:             req.Data,
		CreatedAt:        c.now(),
	}
	if err := c.store.SaveNewEvent(ctx, ev); err != nil {
		return "", fmt.Errorf("save event %s: %w", req.Name, err)
	}
	c.logger.Debug("event_published",
		slog.String("event_id", ev.ID),
		slog.String("event", ev.Name),
		slog.String("orchestration_key", ev.OrchestrationKey),
	)
	c.wakeByKey(ctx, req.OrchestrationKey)
	return ev.ID, nil
}

func (c *Controller) wakeByKey(ctx context.Context, key string) {
	instances, err := c.store.GetOrchestrationInstancesByKey(ctx, key)
	if err != nil {
		c.logger.Warn("wake_lookup_failed", slog.String("orchestration_key", key), slog.Any("error", err))
		return
	}
	for _, inst := range instances {
		if inst.Status == api.InstanceRunning || inst.Status == api.InstanceExecuting {
			c.ensureWorker(inst)
		}
	}
}

func (c *Controller) GetOrchestrationInstance(ctx context.Context, instanceID string) (*api.Instance, error) {
	return persistence.LoadInstance(ctx, c.store, instanceID)
}

func (c *Controller) IsCompleted(ctx context.Context, instanceID string) (bool, error) {
	inst, err := c.store.GetOrchestrationInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	return inst.Status == api.InstanceCompleted, nil
}

func (c *Controller) GetExecutionPointers(ctx context.Context, instanceID string) ([]*api.ExecutionPointer, error) {
	return c.store.GetExecutionPointers(ctx, instanceID)
}

// ensureWorker wakes the instance's worker, starting one if needed. It
// returns false once the controller is stopped.
func (c *Controller) ensureWorker(inst *api.Instance) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return false
	}
	if w, ok := c.workers[inst.ID]; ok {
		w.Wake()
		return true
	}

	idle := inst.WorkerIdleTimeout
	if idle <= 0 {
		idle = c.idle
	}
	w := newInstanceWorker(inst.ID, inst.Key, idle, c.exec, c.logger, c.retire)
	c.workers[inst.ID] = w
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		w.run(c.ctx)
	}()
	return true
}

func (c *Controller) retire(w *instanceWorker) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() == nil {
		select {
		case <-w.wake:
			return false
		default:
		}
	}
	if c.workers[w.id] == w {
		delete(c.workers, w.id)
	}
	return true
}

// ActiveWorkers returns the number of instance workers running on this host.
func (c *Controller) ActiveWorkers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workers)
}

// Start recovers unfinished instances of every registered definition and
// starts the sweep and the lock-sync watcher. Calling Start more than once has no effect.
func (c *Controller) Start(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() {
		err = c.recover(ctx)
		if err != nil {
			return
		}

		c.background(c.sweepLoop)
		if w, ok := c.locker.(lock.Watcher); ok {
			ch, werr := w.Watch(c.ctx)
			if werr != nil {
				err = fmt.Errorf("watch lock sync: %w", werr)
				return
			}
			c.background(func(ctx context.Context) { c.followSync(ctx, ch) })
		}
		c.logger.Info("controller_started", slog.Int("workers", c.ActiveWorkers()))
	})
	return err
}

func (c *Controller) background(fn func(context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

func (c *Controller) recover(ctx context.Context) error {
	for _, id := range c.defs.IDs() {
		instances, err := c.store.GetAllUnfinishedInstances(ctx, id)
		if err != nil {
			return fmt.Errorf("recover instances of %s: %w", id, err)
		}
		for _, inst := range instances {
			if inst.Status == api.InstanceSuspended {
				continue
			}
			if _, err := c.defs.Get(inst.DefinitionID, inst.Version); err != nil {
				c.logger.Warn("recover_skipped",
					slog.String("instance_id", inst.ID),
					slog.Int("version", inst.Version),
					slog.Any("error", err),
				)
				continue
			}
			c.ensureWorker(inst)
		}
	}
	return nil
}

// followSync wakes local workers when a peer releases a lease it changed.
func (c *Controller) followSync(ctx context.Context, keys <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case key, ok := <-keys:
			if !ok {
				return
			}
			parts := strings.SplitN(key, api.LockKeySeparator, 3)
			if len(parts) != 3 || parts[1] == "*" {
				continue
			}
			c.wakeByKey(ctx, parts[2])
		}
	}
}

// Stop stops all workers and background loops, waits for them and
// delivers lifecycle events still queued.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.cancel()
		c.mu.Unlock()

		c.wg.Wait()
		if c.events.queue != nil {
			c.events.queue.Drain(context.Background())
		}
		c.logger.Info("controller_stopped")
	})
}
