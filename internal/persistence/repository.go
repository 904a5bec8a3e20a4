// Package persistence stores orchestration instances, execution pointers,
// finalized branches and external events.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/petrijr/orchestra/pkg/api"
)

var (
	// ErrPointerNotFound is returned when an execution pointer is not found.
	ErrPointerNotFound = errors.New("execution pointer not found")

	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("record already exists")
)

// Repository persists orchestration instances and their execution state.
//
// Implementations must make the writes for a single instance serializable.
// The engine only writes an instance while holding its distributed lock, so
// stores need no additional coordination across instances.
type Repository interface {
	// CreateNewOrchestration stores the instance header together with its
	// initial pointers.
	CreateNewOrchestration(ctx context.Context, inst *api.Instance) error
	UpdateOrchestrationStatus(ctx context.Context, instanceID string, status api.InstanceStatus, completedAt time.Time) error
	UpdateOrchestrationData(ctx context.Context, instanceID string, data any) error

	AddExecutionPointer(ctx context.Context, instanceID string, p *api.ExecutionPointer) error
	// AddNestedExecutionPointer stores p and appends its id to the
	// container's nested list.
	AddNestedExecutionPointer(ctx context.Context, instanceID, containerID string, p *api.ExecutionPointer) error
	GetStepExecutionPointer(ctx context.Context, instanceID, pointerID string) (*api.ExecutionPointer, error)
	// GetExecutionPointers returns pointers in creation order.
	GetExecutionPointers(ctx context.Context, instanceID string) ([]*api.ExecutionPointer, error)
	// UpdateExecutionPointer writes only the fields flagged in patch.
	UpdateExecutionPointer(ctx context.Context, instanceID, pointerID string, patch *api.PointerPatch) error

	AddFinalizedBranch(ctx context.Context, instanceID string, stepID int) error
	GetFinalizedBranchIds(ctx context.Context, instanceID string) ([]int, error)

	// GetOrchestrationInstance returns the instance header without pointers.
	GetOrchestrationInstance(ctx context.Context, instanceID string) (*api.Instance, error)
	GetOrchestrationInstancesByKey(ctx context.Context, key string) ([]*api.Instance, error)
	GetAllUnfinishedInstances(ctx context.Context, definitionID string) ([]*api.Instance, error)
	// GetRunnableInstances returns ids of unfinished instances with at
	// least one pointer that could make progress at now.
	GetRunnableInstances(ctx context.Context, now time.Time) ([]string, error)
}

// EventRepository persists external events.
type EventRepository interface {
	SaveNewEvent(ctx context.Context, ev *api.Event) error
	// GetUnprocessedEvents returns events for an orchestration key in
	// arrival order.
	GetUnprocessedEvents(ctx context.Context, orchestrationKey string) ([]*api.Event, error)
	SetProcessedUtc(ctx context.Context, eventID string, at time.Time) error
}

// Store bundles both repositories so the engine can depend on a single
// abstraction.
type Store interface {
	Repository
	EventRepository
}

// LoadInstance reads an instance with its pointers and finalized branches.
func LoadInstance(ctx context.Context, repo Repository, instanceID string) (*api.Instance, error) {
	inst, err := repo.GetOrchestrationInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Pointers, err = repo.GetExecutionPointers(ctx, instanceID); err != nil {
		return nil, fmt.Errorf("load pointers of %s: %w", instanceID, err)
	}
	if inst.FinalizedBranches, err = repo.GetFinalizedBranchIds(ctx, instanceID); err != nil {
		return nil, fmt.Errorf("load finalized branches of %s: %w", instanceID, err)
	}
	return inst, nil
}

// IsRunnable reports whether a loaded instance has a pointer that could make
// progress at now, given the unprocessed events for its key.
func IsRunnable(inst *api.Instance, events []*api.Event, now time.Time) bool {
	if inst.Status != api.InstanceRunning && inst.Status != api.InstanceExecuting {
		return false
	}
	for _, p := range inst.Pointers {
		if !p.Live() {
			continue
		}
		if p.Status == api.PointerWaitingForEvent {
			if p.EventPublished {
				return true
			}
			if exp := p.WaitExpiresAt(); !exp.IsZero() && !now.Before(exp) {
				return true
			}
			for _, ev := range events {
				if ev.Matches(p) {
					return true
				}
			}
			continue
		}
		if p.SleepUntil.IsZero() || !now.Before(p.SleepUntil) {
			return true
		}
	}
	return false
}

func sortInstances(list []*api.Instance) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
