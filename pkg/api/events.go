package api

import "time"

// LifecycleType identifies a lifecycle event.
type LifecycleType string

const (
	LifecycleStarted       LifecycleType = "orchestration.started"
	LifecycleSuspended     LifecycleType = "orchestration.suspended"
	LifecycleResumed       LifecycleType = "orchestration.resumed"
	LifecycleTerminated    LifecycleType = "orchestration.terminated"
	LifecycleCompleted     LifecycleType = "orchestration.completed"
	LifecycleError         LifecycleType = "orchestration.error"
	LifecycleStepStarted   LifecycleType = "step.started"
	LifecycleStepCompleted LifecycleType = "step.completed"
)

// LifecycleEvent is a fire-and-forget notification about an instance.
// It is intentionally small and stable so it can be queued.
type LifecycleEvent struct {
	Type         LifecycleType
	At           time.Time
	InstanceID   string
	DefinitionID string
	Version      int
	Key          string
	Trace        string

	// Step context, set for step and error events.
	StepID    int
	StepName  string
	PointerID string
	Result    string
	Duration  time.Duration

	// Small, human-oriented details (e.g. error text). Keep this
	// low-volume: do NOT dump process data here.
	Detail string
}

// IsStepEvent reports whether the event concerns a single step.
func (e LifecycleEvent) IsStepEvent() bool {
	return e.Type == LifecycleStepStarted || e.Type == LifecycleStepCompleted
}
