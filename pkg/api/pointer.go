package api

import "time"

// ExecutionPointer is the mutable execution state of one visit to a step.
// Links to other pointers are ids into the instance's pointer table.
type ExecutionPointer struct {
	ID         string
	StepID     int
	StepName   string
	Active     bool
	Status     PointerStatus
	SleepUntil time.Time
	RetryCount int
	StartTime  time.Time
	EndTime    time.Time

	EventName      string
	EventKey       string
	EventTTL       time.Duration
	WaitingSince   time.Time
	EventPublished bool
	EventData      any

	// Nested lists pointers created inside this one's branches, in order.
	Nested        []string
	PredecessorID string
	ContainerID   string
}

// IsContainer reports whether the pointer has nested children.
func (p *ExecutionPointer) IsContainer() bool { return len(p.Nested) > 0 }

// IsGenesis reports whether the pointer starts the instance.
func (p *ExecutionPointer) IsGenesis() bool { return p.PredecessorID == "" }

// Clone returns a copy that shares no slices with p.
func (p *ExecutionPointer) Clone() *ExecutionPointer {
	cp := *p
	if p.Nested != nil {
		cp.Nested = append([]string(nil), p.Nested...)
	}
	return &cp
}

// Live reports whether the pointer still has work to do.
func (p *ExecutionPointer) Live() bool {
	return p.Active && !p.Status.IsTerminal()
}

// WaitExpiresAt returns when an event wait times out, or zero.
func (p *ExecutionPointer) WaitExpiresAt() time.Time {
	if p.Status != PointerWaitingForEvent || p.EventTTL <= 0 || p.WaitingSince.IsZero() {
		return time.Time{}
	}
	return p.WaitingSince.Add(p.EventTTL)
}

// PointerField is a bitmask of pointer fields touched by a patch.
type PointerField uint16

const (
	FieldActive PointerField = 1 << iota
	FieldStatus
	FieldSleepUntil
	FieldRetryCount
	FieldStartTime
	FieldEndTime
	// FieldEventWait covers EventName, EventKey, EventTTL and WaitingSince.
	FieldEventWait
	// FieldEvent covers EventPublished and EventData.
	FieldEvent
)

// PointerPatch is a partial update of a pointer. Only fields flagged dirty
// are written, so a store can update them without touching the rest.
type PointerPatch struct {
	fields PointerField

	Active         bool
	Status         PointerStatus
	SleepUntil     time.Time
	RetryCount     int
	StartTime      time.Time
	EndTime        time.Time
	EventName      string
	EventKey       string
	EventTTL       time.Duration
	WaitingSince   time.Time
	EventPublished bool
	EventData      any
}

func (pp *PointerPatch) SetActive(v bool) *PointerPatch {
	pp.Active = v
	pp.fields |= FieldActive
	return pp
}

func (pp *PointerPatch) SetStatus(v PointerStatus) *PointerPatch {
	pp.Status = v
	pp.fields |= FieldStatus
	return pp
}

func (pp *PointerPatch) SetSleepUntil(v time.Time) *PointerPatch {
	pp.SleepUntil = v
	pp.fields |= FieldSleepUntil
	return pp
}

func (pp *PointerPatch) SetRetryCount(v int) *PointerPatch {
	pp.RetryCount = v
	pp.fields |= FieldRetryCount
	return pp
}

func (pp *PointerPatch) SetStartTime(v time.Time) *PointerPatch {
	pp.StartTime = v
	pp.fields |= FieldStartTime
	return pp
}

func (pp *PointerPatch) SetEndTime(v time.Time) *PointerPatch {
	pp.EndTime = v
	pp.fields |= FieldEndTime
	return pp
}

func (pp *PointerPatch) SetEventWait(name, key string, ttl time.Duration, since time.Time) *PointerPatch {
	pp.EventName = name
	pp.EventKey = key
	pp.EventTTL = ttl
	pp.WaitingSince = since
	pp.fields |= FieldEventWait
	return pp
}

func (pp *PointerPatch) SetEvent(published bool, data any) *PointerPatch {
	pp.EventPublished = published
	pp.EventData = data
	pp.fields |= FieldEvent
	return pp
}

// Has reports whether f is dirty.
func (pp *PointerPatch) Has(f PointerField) bool { return pp.fields&f != 0 }

// Fields returns the dirty mask.
func (pp *PointerPatch) Fields() PointerField { return pp.fields }

// IsEmpty reports whether nothing is dirty.
func (pp *PointerPatch) IsEmpty() bool { return pp.fields == 0 }

// Apply writes the dirty fields to p.
func (pp *PointerPatch) Apply(p *ExecutionPointer) {
	if pp.Has(FieldActive) {
		p.Active = pp.Active
	}
	if pp.Has(FieldStatus) {
		p.Status = pp.Status
	}
	if pp.Has(FieldSleepUntil) {
		p.SleepUntil = pp.SleepUntil
	}
	if pp.Has(FieldRetryCount) {
		p.RetryCount = pp.RetryCount
	}
	if pp.Has(FieldStartTime) {
		p.StartTime = pp.StartTime
	}
	if pp.Has(FieldEndTime) {
		p.EndTime = pp.EndTime
	}
	if pp.Has(FieldEventWait) {
		p.EventName = pp.EventName
		p.EventKey = pp.EventKey
		p.EventTTL = pp.EventTTL
		p.WaitingSince = pp.WaitingSince
	}
	if pp.Has(FieldEvent) {
		p.EventPublished = pp.EventPublished
		p.EventData = pp.EventData
	}
}
