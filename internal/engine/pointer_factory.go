package engine

import (
	"github.com/google/uuid"

	"github.com/petrijr/orchestra/pkg/api"
)

// BuildGenesisPointer creates the single pointer an instance starts from.
func BuildGenesisPointer(def *api.Definition) *api.ExecutionPointer {
	root := def.Root()
	return &api.ExecutionPointer{
		ID:       uuid.NewString(),
		StepID:   root.ID,
		StepName: root.Name,
		Active:   true,
		Status:   api.PointerPending,
	}
}

// BuildNextPointer creates the pointer for nextStepID following prev in the
// same chain. The container link is inherited.
func BuildNextPointer(def *api.Definition, prev *api.ExecutionPointer, nextStepID int) *api.ExecutionPointer {
	p := &api.ExecutionPointer{
		ID:            uuid.NewString(),
		StepID:        nextStepID,
		Active:        true,
		Status:        api.PointerPending,
		PredecessorID: prev.ID,
		ContainerID:   prev.ContainerID,
	}
	if step, ok := def.Step(nextStepID); ok {
		p.StepName = step.Name
	}
	return p
}

// BuildNestedPointer creates a branch head under container.
func BuildNestedPointer(def *api.Definition, container *api.ExecutionPointer, stepID int) *api.ExecutionPointer {
	p := &api.ExecutionPointer{
		ID:            uuid.NewString(),
		StepID:        stepID,
		Active:        true,
		Status:        api.PointerPending,
		PredecessorID: container.ID,
		ContainerID:   container.ID,
	}
	if step, ok := def.Step(stepID); ok {
		p.StepName = step.Name
	}
	return p
}
