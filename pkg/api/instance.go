package api

import (
	"fmt"
	"slices"
	"time"
)

// Instance is a running orchestration.
type Instance struct {
	ID           string
	Key          string
	DefinitionID string
	Version      int
	Data         any
	Status       InstanceStatus
	CreatedAt    time.Time
	CompletedAt  time.Time

	WorkerIdleTimeout time.Duration
	Trace             string

	// Pointers and FinalizedBranches are only populated when the instance
	// is loaded with its execution state.
	Pointers          []*ExecutionPointer
	FinalizedBranches []int
}

// LockKeySeparator joins the parts of a lock key. Definition ids may not
// contain it.
const LockKeySeparator = "::"

// LockKey builds the distributed lock key for an orchestration.
func LockKey(definitionID string, version int, key string) string {
	return fmt.Sprintf("%s%s%d%s%s", definitionID, LockKeySeparator, version, LockKeySeparator, key)
}

// LockKey returns the instance's distributed lock key.
func (i *Instance) LockKey() string { return LockKey(i.DefinitionID, i.Version, i.Key) }

// Pointer looks up a pointer by id.
func (i *Instance) Pointer(id string) *ExecutionPointer {
	for _, p := range i.Pointers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// IsBranchFinalized reports whether the branch headed by stepID completed.
func (i *Instance) IsBranchFinalized(stepID int) bool {
	return slices.Contains(i.FinalizedBranches, stepID)
}

// Clone returns a deep copy of the instance header and pointers.
func (i *Instance) Clone() *Instance {
	cp := *i
	if i.Pointers != nil {
		cp.Pointers = make([]*ExecutionPointer, len(i.Pointers))
		for n, p := range i.Pointers {
			cp.Pointers[n] = p.Clone()
		}
	}
	if i.FinalizedBranches != nil {
		cp.FinalizedBranches = slices.Clone(i.FinalizedBranches)
	}
	return &cp
}

// Event is an external event recorded for an orchestration key.
type Event struct {
	ID               string
	Name             string
	Key              string
	OrchestrationKey string
	Data             any
	CreatedAt        time.Time
	ProcessedAt      time.Time
}

// Matches reports whether the event satisfies a pointer's wait.
func (e *Event) Matches(p *ExecutionPointer) bool {
	if p.Status != PointerWaitingForEvent || p.EventPublished || e.Name != p.EventName {
		return false
	}
	return p.EventKey == "" || p.EventKey == e.Key
}
