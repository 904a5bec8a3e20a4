package api

// InstanceStatus represents the lifecycle state of an orchestration instance.
type InstanceStatus string

const (
	InstanceRunning    InstanceStatus = "RUNNING"
	InstanceExecuting  InstanceStatus = "EXECUTING"
	InstanceSuspended  InstanceStatus = "SUSPENDED"
	InstanceTerminated InstanceStatus = "TERMINATED"
	InstanceCompleted  InstanceStatus = "COMPLETED"
)

// IsFinished reports whether the status is terminal.
func (s InstanceStatus) IsFinished() bool {
	return s == InstanceCompleted || s == InstanceTerminated
}

// CanTransition reports whether an instance may move from s to next.
//
// Statuses only move forward, with two exceptions: Running and Executing
// alternate while a worker pass is in flight, and a Suspended instance may
// be resumed back to Running.
func (s InstanceStatus) CanTransition(next InstanceStatus) bool {
	if s.IsFinished() {
		return false
	}
	switch next {
	case InstanceRunning:
		return s == InstanceExecuting || s == InstanceSuspended || s == InstanceRunning
	case InstanceExecuting:
		return s == InstanceRunning || s == InstanceExecuting
	case InstanceSuspended:
		return s == InstanceRunning || s == InstanceExecuting
	case InstanceTerminated, InstanceCompleted:
		return true
	}
	return false
}

// PointerStatus is the state of a single execution pointer.
type PointerStatus string

const (
	PointerPending         PointerStatus = "PENDING"
	PointerInProcess       PointerStatus = "IN_PROCESS"
	PointerCompleted       PointerStatus = "COMPLETED"
	PointerRetrying        PointerStatus = "RETRYING"
	PointerWaitingForEvent PointerStatus = "WAITING_FOR_EVENT"
	PointerSuspended       PointerStatus = "SUSPENDED"
)

// IsTerminal reports whether the pointer will never run again on its own.
func (s PointerStatus) IsTerminal() bool {
	return s == PointerCompleted || s == PointerSuspended
}
