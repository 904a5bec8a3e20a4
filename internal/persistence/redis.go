package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/orchestra/pkg/api"
)

// RedisStore is a Store backed by Redis. It uses the following keys:
//
//	<prefix>inst:<id>           => gob-encoded instance header
//	<prefix>ptrs:<id>           => LIST of pointer ids in creation order
//	<prefix>ptr:<id>:<pointer>  => HASH of pointer columns
//	<prefix>fin:<id>            => SET of finalized branch step ids
//	<prefix>idx:key:<key>       => SET of instance ids for a business key
//	<prefix>idx:def:<def>       => SET of instance ids for a definition
//	<prefix>idx:unfinished      => SET of instance ids not yet finished
//	<prefix>ev:<id>             => gob-encoded event
//	<prefix>evq:<key>           => ZSET of unprocessed event ids by arrival
//
// Pointer updates write only the hash fields a patch touches.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

type redisInstanceRecord struct {
	ID           string
	Key          string
	DefinitionID string
	Version      int
	Data         []byte
	Status       string
	CreatedAt    int64
	CompletedAt  int64
	IdleTimeout  int64
	Trace        string
}

type redisEventRecord struct {
	ID               string
	Name             string
	Key              string
	OrchestrationKey string
	Data             []byte
	CreatedAt        int64
	ProcessedAt      int64
}

// NewRedisStore creates a RedisStore. prefix is optional but recommended
// (e.g. "orchestra:").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "orchestra:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) keyInstance(id string) string     { return r.prefix + "inst:" + id }
func (r *RedisStore) keyPointers(id string) string     { return r.prefix + "ptrs:" + id }
func (r *RedisStore) keyPointer(id, ptr string) string { return r.prefix + "ptr:" + id + ":" + ptr }
func (r *RedisStore) keyFinalized(id string) string    { return r.prefix + "fin:" + id }
func (r *RedisStore) keyByKey(key string) string       { return r.prefix + "idx:key:" + key }
func (r *RedisStore) keyByDef(def string) string       { return r.prefix + "idx:def:" + def }
func (r *RedisStore) keyUnfinished() string            { return r.prefix + "idx:unfinished" }
func (r *RedisStore) keyEvent(id string) string        { return r.prefix + "ev:" + id }
func (r *RedisStore) keyEventQueue(key string) string  { return r.prefix + "evq:" + key }

func gobBytes(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *RedisStore) loadHeader(ctx context.Context, id string) (*redisInstanceRecord, error) {
	raw, err := r.client.Get(ctx, r.keyInstance(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, api.ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec redisInstanceRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	return &rec, nil
}

func (r *RedisStore) saveHeader(ctx context.Context, rec *redisInstanceRecord) error {
	raw, err := gobBytes(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.keyInstance(rec.ID), raw, 0).Err()
}

func (rec *redisInstanceRecord) toInstance() (*api.Instance, error) {
	data, err := DecodeValue[any](rec.Data)
	if err != nil {
		return nil, err
	}
	return &api.Instance{
		ID:                rec.ID,
		Key:               rec.Key,
		DefinitionID:      rec.DefinitionID,
		Version:           rec.Version,
		Data:              data,
		Status:            api.InstanceStatus(rec.Status),
		CreatedAt:         fromNanos(rec.CreatedAt),
		CompletedAt:       fromNanos(rec.CompletedAt),
		WorkerIdleTimeout: time.Duration(rec.IdleTimeout),
		Trace:             rec.Trace,
	}, nil
}

func pointerHash(rec *pointerRecord) map[string]any {
	vals := rec.values()
	out := make(map[string]any, len(pointerColumns))
	for i, c := range pointerColumns {
		out[c] = vals[i]
	}
	return out
}

func (r *RedisStore) CreateNewOrchestration(ctx context.Context, inst *api.Instance) error {
	data, err := EncodeValue(inst.Data)
	if err != nil {
		return err
	}
	rec := &redisInstanceRecord{
		ID:           inst.ID,
		Key:          inst.Key,
		DefinitionID: inst.DefinitionID,
		Version:      inst.Version,
		Data:         data,
		Status:       string(inst.Status),
		CreatedAt:    toNanos(inst.CreatedAt),
		CompletedAt:  toNanos(inst.CompletedAt),
		IdleTimeout:  int64(inst.WorkerIdleTimeout),
		Trace:        inst.Trace,
	}
	raw, err := gobBytes(rec)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.keyInstance(inst.ID), raw, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}

	pipe := r.client.TxPipeline()
	for _, p := range inst.Pointers {
		prec, err := newPointerRecord(inst.ID, p)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, r.keyPointer(inst.ID, p.ID), pointerHash(prec))
		pipe.RPush(ctx, r.keyPointers(inst.ID), p.ID)
	}
	for _, stepID := range inst.FinalizedBranches {
		pipe.SAdd(ctx, r.keyFinalized(inst.ID), stepID)
	}
	pipe.SAdd(ctx, r.keyByKey(inst.Key), inst.ID)
	pipe.SAdd(ctx, r.keyByDef(inst.DefinitionID), inst.ID)
	if !inst.Status.IsFinished() {
		pipe.SAdd(ctx, r.keyUnfinished(), inst.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) UpdateOrchestrationStatus(ctx context.Context, id string, status api.InstanceStatus, completedAt time.Time) error {
	rec, err := r.loadHeader(ctx, id)
	if err != nil {
		return err
	}
	rec.Status = string(status)
	if !completedAt.IsZero() {
		rec.CompletedAt = toNanos(completedAt)
	}
	if err := r.saveHeader(ctx, rec); err != nil {
		return err
	}
	if status.IsFinished() {
		return r.client.SRem(ctx, r.keyUnfinished(), id).Err()
	}
	return r.client.SAdd(ctx, r.keyUnfinished(), id).Err()
}

func (r *RedisStore) UpdateOrchestrationData(ctx context.Context, id string, data any) error {
	rec, err := r.loadHeader(ctx, id)
	if err != nil {
		return err
	}
	if rec.Data, err = EncodeValue(data); err != nil {
		return err
	}
	return r.saveHeader(ctx, rec)
}

func (r *RedisStore) AddExecutionPointer(ctx context.Context, instanceID string, p *api.ExecutionPointer) error {
	if _, err := r.loadHeader(ctx, instanceID); err != nil {
		return err
	}
	prec, err := newPointerRecord(instanceID, p)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.keyPointer(instanceID, p.ID), pointerHash(prec))
	pipe.RPush(ctx, r.keyPointers(instanceID), p.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) AddNestedExecutionPointer(ctx context.Context, instanceID, containerID string, p *api.ExecutionPointer) error {
	container, err := r.GetStepExecutionPointer(ctx, instanceID, containerID)
	if err != nil {
		return err
	}
	prec, err := newPointerRecord(instanceID, p)
	if err != nil {
		return err
	}
	nested := joinNested(append(container.Nested, p.ID))

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.keyPointer(instanceID, p.ID), pointerHash(prec))
	pipe.RPush(ctx, r.keyPointers(instanceID), p.ID)
	pipe.HSet(ctx, r.keyPointer(instanceID, containerID), colNested, nested)
	_, err = pipe.Exec(ctx)
	return err
}

func parsePointerHash(h map[string]string) (*pointerRecord, error) {
	atoi := func(k string) (int64, error) {
		v := h[k]
		if v == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("pointer field %s: %w", k, err)
		}
		return n, nil
	}
	ints := make(map[string]int64)
	for _, k := range []string{colStepID, colActive, colSleepUntil, colRetryCount, colStartTime, colEndTime,
		colEventTTL, colWaitingSince, colEventPublished} {
		n, err := atoi(k)
		if err != nil {
			return nil, err
		}
		ints[k] = n
	}
	rec := &pointerRecord{
		ID:             h[colID],
		StepID:         int(ints[colStepID]),
		StepName:       h[colStepName],
		Active:         int(ints[colActive]),
		Status:         h[colStatus],
		SleepUntil:     ints[colSleepUntil],
		RetryCount:     int(ints[colRetryCount]),
		StartTime:      ints[colStartTime],
		EndTime:        ints[colEndTime],
		EventName:      h[colEventName],
		EventKey:       h[colEventKey],
		EventTTL:       ints[colEventTTL],
		WaitingSince:   ints[colWaitingSince],
		EventPublished: int(ints[colEventPublished]),
		Nested:         h[colNested],
		PredecessorID:  h[colPredecessorID],
		ContainerID:    h[colContainerID],
	}
	if v := h[colEventData]; v != "" {
		rec.EventData = []byte(v)
	}
	return rec, nil
}

func (r *RedisStore) GetStepExecutionPointer(ctx context.Context, instanceID, pointerID string) (*api.ExecutionPointer, error) {
	h, err := r.client.HGetAll(ctx, r.keyPointer(instanceID, pointerID)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, ErrPointerNotFound
	}
	rec, err := parsePointerHash(h)
	if err != nil {
		return nil, err
	}
	return rec.toPointer()
}

func (r *RedisStore) GetExecutionPointers(ctx context.Context, instanceID string) ([]*api.ExecutionPointer, error) {
	if _, err := r.loadHeader(ctx, instanceID); err != nil {
		return nil, err
	}
	ids, err := r.client.LRange(ctx, r.keyPointers(instanceID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.keyPointer(instanceID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]*api.ExecutionPointer, 0, len(ids))
	for _, cmd := range cmds {
		h, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		if len(h) == 0 {
			continue
		}
		rec, err := parsePointerHash(h)
		if err != nil {
			return nil, err
		}
		p, err := rec.toPointer()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *RedisStore) UpdateExecutionPointer(ctx context.Context, instanceID, pointerID string, patch *api.PointerPatch) error {
	cols, err := patchColumns(patch)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}
	key := r.keyPointer(instanceID, pointerID)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrPointerNotFound
	}
	values := make([]any, 0, len(cols)*2)
	for _, c := range cols {
		values = append(values, c.column, c.value)
	}
	return r.client.HSet(ctx, key, values...).Err()
}

func (r *RedisStore) AddFinalizedBranch(ctx context.Context, instanceID string, stepID int) error {
	if _, err := r.loadHeader(ctx, instanceID); err != nil {
		return err
	}
	return r.client.SAdd(ctx, r.keyFinalized(instanceID), stepID).Err()
}

func (r *RedisStore) GetFinalizedBranchIds(ctx context.Context, instanceID string) ([]int, error) {
	members, err := r.client.SMembers(ctx, r.keyFinalized(instanceID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(members))
	for _, m := range members {
		n, err := strconv.Atoi(m)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (r *RedisStore) GetOrchestrationInstance(ctx context.Context, id string) (*api.Instance, error) {
	rec, err := r.loadHeader(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.toInstance()
}

func (r *RedisStore) instancesIn(ctx context.Context, setKey string, keep func(*api.Instance) bool) ([]*api.Instance, error) {
	ids, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}
	var out []*api.Instance
	for _, id := range ids {
		inst, err := r.GetOrchestrationInstance(ctx, id)
		if errors.Is(err, api.ErrInstanceNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(inst) {
			out = append(out, inst)
		}
	}
	sortInstances(out)
	return out, nil
}

func (r *RedisStore) GetOrchestrationInstancesByKey(ctx context.Context, key string) ([]*api.Instance, error) {
	return r.instancesIn(ctx, r.keyByKey(key), nil)
}

func (r *RedisStore) GetAllUnfinishedInstances(ctx context.Context, definitionID string) ([]*api.Instance, error) {
	return r.instancesIn(ctx, r.keyByDef(definitionID), func(inst *api.Instance) bool {
		return !inst.Status.IsFinished()
	})
}

func (r *RedisStore) GetRunnableInstances(ctx context.Context, now time.Time) ([]string, error) {
	unfinished, err := r.instancesIn(ctx, r.keyUnfinished(), nil)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, inst := range unfinished {
		if inst.Pointers, err = r.GetExecutionPointers(ctx, inst.ID); err != nil {
			return nil, err
		}
		events, err := r.GetUnprocessedEvents(ctx, inst.Key)
		if err != nil {
			return nil, err
		}
		if IsRunnable(inst, events, now) {
			out = append(out, inst.ID)
		}
	}
	return out, nil
}

func (r *RedisStore) SaveNewEvent(ctx context.Context, ev *api.Event) error {
	data, err := EncodeValue(ev.Data)
	if err != nil {
		return err
	}
	raw, err := gobBytes(&redisEventRecord{
		ID:               ev.ID,
		Name:             ev.Name,
		Key:              ev.Key,
		OrchestrationKey: ev.OrchestrationKey,
		Data:             data,
		CreatedAt:        toNanos(ev.CreatedAt),
		ProcessedAt:      toNanos(ev.ProcessedAt),
	})
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.keyEvent(ev.ID), raw, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}
	if !ev.ProcessedAt.IsZero() {
		return nil
	}
	return r.client.ZAdd(ctx, r.keyEventQueue(ev.OrchestrationKey), redis.Z{
		Score:  float64(toNanos(ev.CreatedAt)),
		Member: ev.ID,
	}).Err()
}

func (r *RedisStore) loadEvent(ctx context.Context, id string) (*redisEventRecord, error) {
	raw, err := r.client.Get(ctx, r.keyEvent(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, api.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec redisEventRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", id, err)
	}
	return &rec, nil
}

func (r *RedisStore) GetUnprocessedEvents(ctx context.Context, orchestrationKey string) ([]*api.Event, error) {
	ids, err := r.client.ZRange(ctx, r.keyEventQueue(orchestrationKey), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*api.Event, 0, len(ids))
	for _, id := range ids {
		rec, err := r.loadEvent(ctx, id)
		if errors.Is(err, api.ErrEventNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		data, err := DecodeValue[any](rec.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, &api.Event{
			ID:               rec.ID,
			Name:             rec.Name,
			Key:              rec.Key,
			OrchestrationKey: rec.OrchestrationKey,
			Data:             data,
			CreatedAt:        fromNanos(rec.CreatedAt),
		})
	}
	return out, nil
}

func (r *RedisStore) SetProcessedUtc(ctx context.Context, eventID string, at time.Time) error {
	rec, err := r.loadEvent(ctx, eventID)
	if err != nil {
		return err
	}
	rec.ProcessedAt = toNanos(at)
	raw, err := gobBytes(rec)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.keyEvent(eventID), raw, 0)
	pipe.ZRem(ctx, r.keyEventQueue(rec.OrchestrationKey), eventID)
	_, err = pipe.Exec(ctx)
	return err
}
