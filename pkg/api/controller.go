package api

import "context"

// StartRequest describes a new orchestration instance.
type StartRequest struct {
	DefinitionID string
	// Version selects a definition version; zero means the latest.
	Version int
	// Key is the business key used for locking, singleton enforcement and
	// event matching. Empty defaults to the new instance id.
	Key  string
	Data any
	// LockOwner identifies the caller in the distributed lock; empty uses
	// the host id.
	LockOwner string
	Trace     string
}

// EventRequest is an external event addressed to orchestration instances by
// their key.
type EventRequest struct {
	Name             string
	Key              string
	OrchestrationKey string
	Data             any
}

// Controller is the host-facing API of the engine.
type Controller interface {
	// RegisterOrchestration validates def and stores it by (id, version).
	RegisterOrchestration(def *Definition) error

	// StartOrchestration creates an instance with its genesis pointer,
	// persists it and starts its worker. For a singleton definition, a
	// second start with the same key returns the existing instance id and a
	// start with a different key fails with SingletonConflictError.
	StartOrchestration(ctx context.Context, req StartRequest) (string, error)

	// SuspendOrchestration parks a running instance.
	SuspendOrchestration(ctx context.Context, instanceID, lockOwner, trace string) (bool, error)

	// ResumeOrchestration re-activates a suspended instance. It fails with
	// InvalidStateError when the instance is not suspended.
	ResumeOrchestration(ctx context.Context, instanceID, lockOwner, trace string) (bool, error)

	// TerminateOrchestration stops a non-finished instance for good.
	TerminateOrchestration(ctx context.Context, instanceID, lockOwner, trace string) (bool, error)

	// PublishEvent records an external event and wakes instances waiting on
	// its orchestration key. It returns the event id.
	PublishEvent(ctx context.Context, req EventRequest) (string, error)

	// GetOrchestrationInstance returns the instance with its pointers.
	GetOrchestrationInstance(ctx context.Context, instanceID string) (*Instance, error)

	// IsCompleted reports whether the instance reached Completed.
	IsCompleted(ctx context.Context, instanceID string) (bool, error)

	// GetExecutionPointers returns the instance's pointers in creation order.
	GetExecutionPointers(ctx context.Context, instanceID string) ([]*ExecutionPointer, error)

	// GetDefinition returns a registered definition; version zero is the
	// latest.
	GetDefinition(id string, version int) (*Definition, error)

	// Graph exports the step graph of a registered definition.
	Graph(id string, version int) (Graph, error)

	// Start recovers unfinished instances and starts background loops.
	Start(ctx context.Context) error

	// Stop stops all workers and background loops and waits for them.
	Stop()
}
