package persistence

import (
	"strings"
	"time"

	"github.com/petrijr/orchestra/pkg/api"
)

// Column names shared by the SQL, Redis and MongoDB stores.
const (
	colID             = "id"
	colStepID         = "step_id"
	colStepName       = "step_name"
	colActive         = "active"
	colStatus         = "status"
	colSleepUntil     = "sleep_until"
	colRetryCount     = "retry_count"
	colStartTime      = "start_time"
	colEndTime        = "end_time"
	colEventName      = "event_name"
	colEventKey       = "event_key"
	colEventTTL       = "event_ttl"
	colWaitingSince   = "waiting_since"
	colEventPublished = "event_published"
	colEventData      = "event_data"
	colNested         = "nested"
	colPredecessorID  = "predecessor_id"
	colContainerID    = "container_id"
)

// pointerColumns lists every pointer column in a fixed order.
var pointerColumns = []string{
	colID, colStepID, colStepName, colActive, colStatus, colSleepUntil, colRetryCount,
	colStartTime, colEndTime, colEventName, colEventKey, colEventTTL, colWaitingSince,
	colEventPublished, colEventData, colNested, colPredecessorID, colContainerID,
}

// pointerRecord is the flat, storable form of an execution pointer. Times
// are unix nanoseconds with zero meaning unset.
type pointerRecord struct {
	ID             string `bson:"_id"`
	InstanceID     string `bson:"instance_id"`
	StepID         int    `bson:"step_id"`
	StepName       string `bson:"step_name"`
	Active         int    `bson:"active"`
	Status         string `bson:"status"`
	SleepUntil     int64  `bson:"sleep_until"`
	RetryCount     int    `bson:"retry_count"`
	StartTime      int64  `bson:"start_time"`
	EndTime        int64  `bson:"end_time"`
	EventName      string `bson:"event_name"`
	EventKey       string `bson:"event_key"`
	EventTTL       int64  `bson:"event_ttl"`
	WaitingSince   int64  `bson:"waiting_since"`
	EventPublished int    `bson:"event_published"`
	EventData      []byte `bson:"event_data,omitempty"`
	Nested         string `bson:"nested"`
	PredecessorID  string `bson:"predecessor_id"`
	ContainerID    string `bson:"container_id"`
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinNested(ids []string) string { return strings.Join(ids, ",") }

func splitNested(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func newPointerRecord(instanceID string, p *api.ExecutionPointer) (*pointerRecord, error) {
	data, err := EncodeValue(p.EventData)
	if err != nil {
		return nil, err
	}
	return &pointerRecord{
		ID:             p.ID,
		InstanceID:     instanceID,
		StepID:         p.StepID,
		StepName:       p.StepName,
		Active:         boolInt(p.Active),
		Status:         string(p.Status),
		SleepUntil:     toNanos(p.SleepUntil),
		RetryCount:     p.RetryCount,
		StartTime:      toNanos(p.StartTime),
		EndTime:        toNanos(p.EndTime),
		EventName:      p.EventName,
		EventKey:       p.EventKey,
		EventTTL:       int64(p.EventTTL),
		WaitingSince:   toNanos(p.WaitingSince),
		EventPublished: boolInt(p.EventPublished),
		EventData:      data,
		Nested:         joinNested(p.Nested),
		PredecessorID:  p.PredecessorID,
		ContainerID:    p.ContainerID,
	}, nil
}

// values returns the record's columns in pointerColumns order.
func (r *pointerRecord) values() []any {
	return []any{
		r.ID, r.StepID, r.StepName, r.Active, r.Status, r.SleepUntil, r.RetryCount,
		r.StartTime, r.EndTime, r.EventName, r.EventKey, r.EventTTL, r.WaitingSince,
		r.EventPublished, r.EventData, r.Nested, r.PredecessorID, r.ContainerID,
	}
}

// scanTargets returns pointers to the record's fields in pointerColumns
// order.
func (r *pointerRecord) scanTargets() []any {
	return []any{
		&r.ID, &r.StepID, &r.StepName, &r.Active, &r.Status, &r.SleepUntil, &r.RetryCount,
		&r.StartTime, &r.EndTime, &r.EventName, &r.EventKey, &r.EventTTL, &r.WaitingSince,
		&r.EventPublished, &r.EventData, &r.Nested, &r.PredecessorID, &r.ContainerID,
	}
}

func (r *pointerRecord) toPointer() (*api.ExecutionPointer, error) {
	data, err := DecodeValue[any](r.EventData)
	if err != nil {
		return nil, err
	}
	return &api.ExecutionPointer{
		ID:             r.ID,
		StepID:         r.StepID,
		StepName:       r.StepName,
		Active:         r.Active != 0,
		Status:         api.PointerStatus(r.Status),
		SleepUntil:     fromNanos(r.SleepUntil),
		RetryCount:     r.RetryCount,
		StartTime:      fromNanos(r.StartTime),
		EndTime:        fromNanos(r.EndTime),
		EventName:      r.EventName,
		EventKey:       r.EventKey,
		EventTTL:       time.Duration(r.EventTTL),
		WaitingSince:   fromNanos(r.WaitingSince),
		EventPublished: r.EventPublished != 0,
		EventData:      data,
		Nested:         splitNested(r.Nested),
		PredecessorID:  r.PredecessorID,
		ContainerID:    r.ContainerID,
	}, nil
}

type columnValue struct {
	column string
	value  any
}

// patchColumns converts the dirty fields of a patch to column updates, in a
// stable order.
func patchColumns(patch *api.PointerPatch) ([]columnValue, error) {
	var out []columnValue
	add := func(c string, v any) { out = append(out, columnValue{c, v}) }

	if patch.Has(api.FieldActive) {
		add(colActive, boolInt(patch.Active))
	}
	if patch.Has(api.FieldStatus) {
		add(colStatus, string(patch.Status))
	}
	if patch.Has(api.FieldSleepUntil) {
		add(colSleepUntil, toNanos(patch.SleepUntil))
	}
	if patch.Has(api.FieldRetryCount) {
		add(colRetryCount, patch.RetryCount)
	}
	if patch.Has(api.FieldStartTime) {
		add(colStartTime, toNanos(patch.StartTime))
	}
	if patch.Has(api.FieldEndTime) {
		add(colEndTime, toNanos(patch.EndTime))
	}
	if patch.Has(api.FieldEventWait) {
		add(colEventName, patch.EventName)
		add(colEventKey, patch.EventKey)
		add(colEventTTL, int64(patch.EventTTL))
		add(colWaitingSince, toNanos(patch.WaitingSince))
	}
	if patch.Has(api.FieldEvent) {
		data, err := EncodeValue(patch.EventData)
		if err != nil {
			return nil, err
		}
		add(colEventPublished, boolInt(patch.EventPublished))
		add(colEventData, data)
	}
	return out, nil
}
