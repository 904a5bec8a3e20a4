package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/orchestra/internal/lock"
	"github.com/petrijr/orchestra/internal/persistence"
	"github.com/petrijr/orchestra/pkg/api"
)

// PassOutcome summarizes one executor pass over an instance.
type PassOutcome struct {
	Status api.InstanceStatus

	// Finished is set once the instance reached Completed or Terminated.
	Finished bool
	// Suspended is set when the instance is parked until resumed.
	Suspended bool
	// Runnable is set when the pass made progress and more work is
	// eligible right away.
	Runnable bool
	// NextWake is the earliest retry or wait deadline, zero if none.
	NextWake time.Time

	Locked   bool
	LockedBy string
}

// Executor runs passes over instances. A pass takes the instance's lease,
// executes every eligible pointer once and releases the lease.
type Executor struct {
	store     persistence.Store
	locker    lock.Locker
	defs      *registry
	publisher api.Publisher
	logger    *slog.Logger
	owner     string
	now       func() time.Time

	guardMu sync.Mutex
	guards  map[string]*guardEntry
}

type guardEntry struct {
	mu   sync.Mutex
	refs int
}

func newExecutor(store persistence.Store, locker lock.Locker, defs *registry, publisher api.Publisher, logger *slog.Logger, owner string, now func() time.Time) *Executor {
	return &Executor{
		store:     store,
		locker:    locker,
		defs:      defs,
		publisher: publisher,
		logger:    logger,
		owner:     owner,
		now:       now,
		guards:    make(map[string]*guardEntry),
	}
}

// guard serializes passes and controller operations on one instance within
// this host. The distributed lease covers other hosts.
// Entries are dropped once no caller holds or waits on them.
func (e *Executor) guard(instanceID string) func() {
	e.guardMu.Lock()
	g, ok := e.guards[instanceID]
	if !ok {
		g = &guardEntry{}
		e.guards[instanceID] = g
	}
	g.refs++
	e.guardMu.Unlock()

	g.mu.Lock()
	return func() {
		g.mu.Unlock()
		e.guardMu.Lock()
		g.refs--
		if g.refs == 0 {
			delete(e.guards, instanceID)
		}
		e.guardMu.Unlock()
	}
}

func (e *Executor) guardCount() int {
	e.guardMu.Lock()
	defer e.guardMu.Unlock()
	return len(e.guards)
}

// Execute runs one pass over the instance.
func (e *Executor) Execute(ctx context.Context, instanceID string) (PassOutcome, error) {
	unlock := e.guard(instanceID)
	defer unlock()

	inst, err := e.store.GetOrchestrationInstance(ctx, instanceID)
	if err != nil {
		return PassOutcome{}, err
	}
	if out, done := settled(inst.Status); done {
		return out, nil
	}

	def, err := e.defs.Get(inst.DefinitionID, inst.Version)
	if err != nil {
		return PassOutcome{}, err
	}

	kf := lock.Key(inst.LockKey())
	res, err := e.locker.AcquireLock(ctx, kf, e.owner, e.now().Add(def.DefaultLockExpiration))
	if err != nil {
		return PassOutcome{}, fmt.Errorf("acquire lock for %s: %w", instanceID, err)
	}
	if !res.Succeeded {
		e.logger.Debug("instance_locked",
			slog.String("instance_id", instanceID),
			slog.String("locked_by", res.LockedBy),
		)
		return PassOutcome{Status: inst.Status, Locked: true, LockedBy: res.LockedBy}, nil
	}

	p := &pass{e: e, def: def, kf: kf}
	out, runErr := p.run(ctx, instanceID)

	rel, err := e.locker.ReleaseLock(context.WithoutCancel(ctx), kf, lock.SyncData{Owner: e.owner, Changed: p.changed})
	if err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("release lock for %s: %w", instanceID, err))
	} else if !rel.Succeeded {
		e.logger.Warn("lock_lost",
			slog.String("instance_id", instanceID),
			slog.String("locked_by", rel.LockedBy),
		)
	}
	return out, runErr
}

func settled(status api.InstanceStatus) (PassOutcome, bool) {
	switch {
	case status.IsFinished():
		return PassOutcome{Status: status, Finished: true}, true
	case status == api.InstanceSuspended:
		return PassOutcome{Status: status, Suspended: true}, true
	}
	return PassOutcome{}, false
}

// pass holds the state of a single Execute call made under the lease.
type pass struct {
	e       *Executor
	def     *api.Definition
	kf      lock.Key
	inst    *api.Instance
	changed bool
	// progressed is set when a pointer moved to a new state.
	progressed bool
	// waited is set when a pointer started waiting for an event.
	waited bool
}

func (p *pass) run(ctx context.Context, instanceID string) (PassOutcome, error) {
	e := p.e
	inst, err := persistence.LoadInstance(ctx, e.store, instanceID)
	if err != nil {
		return PassOutcome{}, err
	}
	p.inst = inst
	if out, done := settled(inst.Status); done {
		return out, nil
	}

	if err := p.attachEvents(ctx, e.now()); err != nil {
		return PassOutcome{}, err
	}

	eligible := eligiblePointers(inst, e.now())
	if len(eligible) > 0 {
		if err := p.setStatus(ctx, api.InstanceExecuting); err != nil {
			return PassOutcome{}, err
		}
		for _, ptr := range eligible {
			if ctx.Err() != nil {
				break
			}
			if err := p.executePointer(ctx, ptr); err != nil {
				return PassOutcome{}, err
			}
		}
	}

	return p.finish(ctx)
}

// attachEvents binds unprocessed events for the instance key to the
// pointers waiting for them. Events that match no waiting pointer stay
// unprocessed for a later pass.
func (p *pass) attachEvents(ctx context.Context, now time.Time) error {
	events, err := p.e.store.GetUnprocessedEvents(ctx, p.inst.Key)
	if err != nil {
		return fmt.Errorf("load events for %s: %w", p.inst.ID, err)
	}
	for _, ev := range events {
		for _, ptr := range p.inst.Pointers {
			if !ptr.Live() || !ev.Matches(ptr) {
				continue
			}
			var patch api.PointerPatch
			patch.SetEvent(true, ev.Data)
			if err := p.update(ctx, ptr, &patch); err != nil {
				return err
			}
			if err := p.e.store.SetProcessedUtc(ctx, ev.ID, now); err != nil {
				return fmt.Errorf("mark event %s processed: %w", ev.ID, err)
			}
			p.e.logger.Debug("event_attached",
				slog.String("instance_id", p.inst.ID),
				slog.String("event_id", ev.ID),
				slog.String("event", ev.Name),
				slog.String("pointer_id", ptr.ID),
			)
			break
		}
	}
	return nil
}

// eligiblePointers returns the live leaf pointers that may run at now, in
// creation order.
func eligiblePointers(inst *api.Instance, now time.Time) []*api.ExecutionPointer {
	var out []*api.ExecutionPointer
	for _, ptr := range inst.Pointers {
		if !ptr.Live() || hasLiveNested(inst, ptr) {
			continue
		}
		if ptr.Status == api.PointerWaitingForEvent {
			exp := ptr.WaitExpiresAt()
			if !ptr.EventPublished && (exp.IsZero() || now.Before(exp)) {
				continue
			}
		} else if !ptr.SleepUntil.IsZero() && now.Before(ptr.SleepUntil) {
			continue
		}
		out = append(out, ptr)
	}
	return out
}

// hasLiveNested reports whether any pointer in ptr's branch chains is
// still live.
func hasLiveNested(inst *api.Instance, ptr *api.ExecutionPointer) bool {
	for _, child := range inst.Pointers {
		if child.ContainerID == ptr.ID && child.Live() {
			return true
		}
	}
	return false
}

func (p *pass) update(ctx context.Context, ptr *api.ExecutionPointer, patch *api.PointerPatch) error {
	if patch.IsEmpty() {
		return nil
	}
	if err := p.e.store.UpdateExecutionPointer(ctx, p.inst.ID, ptr.ID, patch); err != nil {
		return fmt.Errorf("update pointer %s: %w", ptr.ID, err)
	}
	patch.Apply(ptr)
	p.changed = true
	return nil
}

func (p *pass) setStatus(ctx context.Context, status api.InstanceStatus) error {
	if p.inst.Status == status || !p.inst.Status.CanTransition(status) {
		return nil
	}
	var completedAt time.Time
	if status == api.InstanceCompleted {
		completedAt = p.e.now()
	}
	if err := p.e.store.UpdateOrchestrationStatus(ctx, p.inst.ID, status, completedAt); err != nil {
		return fmt.Errorf("update status of %s: %w", p.inst.ID, err)
	}
	p.inst.Status = status
	p.inst.CompletedAt = completedAt
	p.changed = true
	return nil
}

func (p *pass) event(typ api.LifecycleType, ptr *api.ExecutionPointer) api.LifecycleEvent {
	ev := api.LifecycleEvent{
		Type:         typ,
		At:           p.e.now(),
		InstanceID:   p.inst.ID,
		DefinitionID: p.inst.DefinitionID,
		Version:      p.inst.Version,
		Key:          p.inst.Key,
		Trace:        p.inst.Trace,
		StepID:       api.NoStep,
	}
	if ptr != nil {
		ev.StepID = ptr.StepID
		ev.StepName = ptr.StepName
		ev.PointerID = ptr.ID
	}
	return ev
}

func (p *pass) executePointer(ctx context.Context, ptr *api.ExecutionPointer) error {
	e := p.e
	step, ok := p.def.Step(ptr.StepID)
	if !ok {
		err := fmt.Errorf("pointer %s references unknown step %d", ptr.ID, ptr.StepID)
		return p.apply(ctx, ptr, nil, api.Fail(err))
	}

	if exp := step.EffectiveLockExpiration(); exp > p.def.DefaultLockExpiration {
		res, err := e.locker.AcquireLock(ctx, p.kf, e.owner, e.now().Add(exp))
		if err != nil {
			return fmt.Errorf("extend lock for %s: %w", p.inst.ID, err)
		}
		if !res.Succeeded {
			return res.Conflict(p.kf)
		}
	}

	started := e.now()
	var patch api.PointerPatch
	patch.SetStatus(api.PointerInProcess)
	if ptr.StartTime.IsZero() {
		patch.SetStartTime(started)
	}
	if err := p.update(ctx, ptr, &patch); err != nil {
		return err
	}
	e.publisher.Publish(ctx, p.event(api.LifecycleStepStarted, ptr))

	sc := &api.StepContext{Instance: p.inst, Step: step, Pointer: ptr, Now: started}
	result := p.invoke(ctx, step, sc)

	if sc.DataChanged() {
		if err := e.store.UpdateOrchestrationData(ctx, p.inst.ID, p.inst.Data); err != nil {
			return fmt.Errorf("update data of %s: %w", p.inst.ID, err)
		}
		p.changed = true
	}

	if err := p.apply(ctx, ptr, step, result); err != nil {
		return err
	}

	done := p.event(api.LifecycleStepCompleted, ptr)
	done.Result = result.Kind.String()
	done.Duration = e.now().Sub(started)
	e.publisher.Publish(ctx, done)
	return nil
}

// invoke runs the step body, converting errors and panics into a Fail
// result.
func (p *pass) invoke(ctx context.Context, step *api.Step, sc *api.StepContext) (res api.ExecutionResult) {
	stepErr := func(err error) api.ExecutionResult {
		return api.Fail(&api.StepExecutionError{
			InstanceID: p.inst.ID,
			StepID:     step.ID,
			StepName:   step.Name,
			Err:        err,
		})
	}
	defer func() {
		if r := recover(); r != nil {
			res = stepErr(fmt.Errorf("panic: %v", r))
		}
	}()

	body, err := p.def.Body(step)
	if err != nil {
		return stepErr(err)
	}
	res, err = body(ctx, sc)
	if err != nil {
		return stepErr(err)
	}
	return res
}

// apply interprets a step result against the pointer table.
func (p *pass) apply(ctx context.Context, ptr *api.ExecutionPointer, step *api.Step, res api.ExecutionResult) error {
	now := p.e.now()
	var patch api.PointerPatch

	switch res.Kind {
	case api.ResultNext:
		p.progressed = true
		patch.SetStatus(api.PointerCompleted).SetEndTime(now).SetActive(false)
		if err := p.update(ctx, ptr, &patch); err != nil {
			return err
		}
		if step.NextStepID != api.NoStep {
			return p.addPointer(ctx, BuildNextPointer(p.def, ptr, step.NextStepID))
		}
		if step.InBranch() {
			return p.finalizeBranch(ctx, ptr, step)
		}
		return nil

	case api.ResultBranch:
		p.progressed = true
		for _, id := range res.BranchStepIDs {
			if err := p.addNested(ctx, ptr, BuildNestedPointer(p.def, ptr, id)); err != nil {
				return err
			}
		}
		patch.SetStatus(api.PointerPending).SetActive(false)
		return p.update(ctx, ptr, &patch)

	case api.ResultFail:
		p.progressed = true
		return p.suspendPointer(ctx, ptr, res.Err)

	case api.ResultRetry:
		p.progressed = true
		if res.IsDelay() {
			patch.SetStatus(api.PointerRetrying).SetSleepUntil(now.Add(res.Interval))
			return p.update(ctx, ptr, &patch)
		}
		count := ptr.RetryCount + 1
		patch.SetRetryCount(count)
		interval, ok := step.RetryInterval(count)
		if !ok {
			if err := p.update(ctx, ptr, &patch); err != nil {
				return err
			}
			return p.suspendPointer(ctx, ptr, res.Err)
		}
		if res.Interval > 0 {
			interval = res.Interval
		}
		p.e.logger.Warn("step_retry",
			slog.String("instance_id", p.inst.ID),
			slog.String("step", step.Name),
			slog.Int("retry", count),
			slog.Duration("interval", interval),
			slog.Any("error", res.Err),
		)
		patch.SetStatus(api.PointerRetrying).SetSleepUntil(now.Add(interval))
		return p.update(ctx, ptr, &patch)

	case api.ResultWait:
		since := ptr.WaitingSince
		if since.IsZero() {
			since = now
			p.progressed = true
			p.waited = true
		}
		patch.SetStatus(api.PointerWaitingForEvent).
			SetEventWait(res.Event.Name, res.Event.Key, res.Event.TTL, since)
		return p.update(ctx, ptr, &patch)

	case api.ResultEmpty:
		patch.SetStatus(api.PointerPending)
		if ptr.IsContainer() {
			patch.SetActive(false)
		}
		return p.update(ctx, ptr, &patch)
	}
	return fmt.Errorf("unknown result kind %v", res.Kind)
}

func (p *pass) addPointer(ctx context.Context, next *api.ExecutionPointer) error {
	if err := p.e.store.AddExecutionPointer(ctx, p.inst.ID, next); err != nil {
		return fmt.Errorf("add pointer to %s: %w", p.inst.ID, err)
	}
	p.inst.Pointers = append(p.inst.Pointers, next)
	p.changed = true
	return nil
}

func (p *pass) addNested(ctx context.Context, container, child *api.ExecutionPointer) error {
	if err := p.e.store.AddNestedExecutionPointer(ctx, p.inst.ID, container.ID, child); err != nil {
		return fmt.Errorf("add nested pointer to %s: %w", p.inst.ID, err)
	}
	p.inst.Pointers = append(p.inst.Pointers, child)
	container.Nested = append(container.Nested, child.ID)
	p.changed = true
	return nil
}

// finalizeBranch records the end of a branch chain and hands control back
// to the step that opened it.
func (p *pass) finalizeBranch(ctx context.Context, ptr *api.ExecutionPointer, step *api.Step) error {
	if !p.inst.IsBranchFinalized(step.StartingStepID) {
		if err := p.e.store.AddFinalizedBranch(ctx, p.inst.ID, step.StartingStepID); err != nil {
			return fmt.Errorf("finalize branch %d of %s: %w", step.StartingStepID, p.inst.ID, err)
		}
		p.inst.FinalizedBranches = append(p.inst.FinalizedBranches, step.StartingStepID)
	}

	container := p.inst.Pointer(ptr.ContainerID)
	if container == nil || container.Status.IsTerminal() {
		return nil
	}
	var patch api.PointerPatch
	patch.SetActive(true).SetStatus(api.PointerPending)
	return p.update(ctx, container, &patch)
}

func (p *pass) suspendPointer(ctx context.Context, ptr *api.ExecutionPointer, cause error) error {
	var patch api.PointerPatch
	patch.SetStatus(api.PointerSuspended)
	if err := p.update(ctx, ptr, &patch); err != nil {
		return err
	}

	ev := p.event(api.LifecycleError, ptr)
	if cause != nil {
		ev.Detail = cause.Error()
	}
	p.e.publisher.Publish(ctx, ev)
	return nil
}

// finish derives the instance status from its pointers and computes when
// the instance needs attention again.
func (p *pass) finish(ctx context.Context) (PassOutcome, error) {
	inst := p.inst
	if p.waited {
		// Events recorded before the pointer started waiting.
		if err := p.attachEvents(ctx, p.e.now()); err != nil {
			return PassOutcome{}, err
		}
	}
	live, suspended := false, false
	for _, ptr := range inst.Pointers {
		if ptr.Live() {
			live = true
		}
		if ptr.Status == api.PointerSuspended {
			suspended = true
		}
	}

	status := api.InstanceRunning
	if !live {
		status = api.InstanceCompleted
		if suspended {
			status = api.InstanceSuspended
		}
	}
	prev := inst.Status
	if err := p.setStatus(ctx, status); err != nil {
		return PassOutcome{}, err
	}
	if inst.Status != prev {
		switch inst.Status {
		case api.InstanceCompleted:
			p.e.publisher.Publish(ctx, p.event(api.LifecycleCompleted, nil))
		case api.InstanceSuspended:
			p.e.publisher.Publish(ctx, p.event(api.LifecycleSuspended, nil))
		}
	}

	out, done := settled(inst.Status)
	if done {
		return out, nil
	}
	out.Status = inst.Status
	now := p.e.now()
	out.Runnable = p.progressed && len(eligiblePointers(inst, now)) > 0
	out.NextWake = nextWake(inst, now)
	return out, nil
}

func nextWake(inst *api.Instance, now time.Time) time.Time {
	var wake time.Time
	consider := func(t time.Time) {
		if t.IsZero() || !t.After(now) {
			return
		}
		if wake.IsZero() || t.Before(wake) {
			wake = t
		}
	}
	for _, ptr := range inst.Pointers {
		if !ptr.Live() {
			continue
		}
		if ptr.Status == api.PointerWaitingForEvent {
			consider(ptr.WaitExpiresAt())
			continue
		}
		consider(ptr.SleepUntil)
	}
	return wake
}
