package api

import (
	"context"
	"time"
)

// StepKind tags the behavior a step body implements.
type StepKind string

const (
	KindInline       StepKind = "inline"
	KindIf           StepKind = "if"
	KindIfElse       StepKind = "if_else"
	KindSwitch       StepKind = "switch"
	KindWhile        StepKind = "while"
	KindParallel     StepKind = "parallel"
	KindWaitForEvent StepKind = "wait_for_event"
	KindDelay        StepKind = "delay"
	KindCustom       StepKind = "custom"
)

// NoStep marks an absent step reference.
const NoStep = -1

// Branch keys used by the built-in control-flow steps.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
	BranchLoop  = "loop"
)

// StepBody is the behavior executed for a pointer. A returned error is
// treated like a non-retryable failure.
type StepBody func(ctx context.Context, sc *StepContext) (ExecutionResult, error)

// BodyFactory builds the body for a step of a given kind.
type BodyFactory func(step *Step) StepBody

// Branch is one entry of a step's ordered branch table.
type Branch struct {
	Key    string
	StepID int
}

// EventSpec configures a WaitForEvent step.
type EventSpec struct {
	Name string
	// Key derives the event key to match. Nil or empty matches any key.
	Key func(sc *StepContext) string
	// TTL bounds the wait. Zero waits forever.
	TTL time.Duration
	// OnEvent runs once the event is attached, before moving on.
	OnEvent func(ctx context.Context, sc *StepContext, data any) error
}

// Step is a node in a definition graph. The payload fields used depend on
// Kind.
type Step struct {
	ID         int
	Name       string
	Kind       StepKind
	NextStepID int
	Branches   []Branch

	// Stamped when the owning definition is sealed.
	BranchControllerID int
	StartingStepID     int
	IsRoot             bool

	ErrorHandling  *ErrorHandling
	LockExpiration time.Duration

	Action    func(ctx context.Context, sc *StepContext) error
	Condition func(sc *StepContext) bool
	Selector  func(sc *StepContext) string
	Event     *EventSpec
	Delay     time.Duration
	Body      StepBody

	def *Definition
}

// Definition returns the definition the step belongs to, once sealed.
func (s *Step) Definition() *Definition { return s.def }

// BranchStep returns the head step id for key.
func (s *Step) BranchStep(key string) (int, bool) {
	for _, b := range s.Branches {
		if b.Key == key {
			return b.StepID, true
		}
	}
	return NoStep, false
}

// BranchStepIDs returns all branch heads in order.
func (s *Step) BranchStepIDs() []int {
	ids := make([]int, 0, len(s.Branches))
	for _, b := range s.Branches {
		ids = append(ids, b.StepID)
	}
	return ids
}

// InBranch reports whether the step belongs to a branch chain rather than
// the root chain.
func (s *Step) InBranch() bool { return s.BranchControllerID != NoStep }

func (s *Step) errorHandling() ErrorHandling {
	if s.ErrorHandling != nil {
		return *s.ErrorHandling
	}
	if s.def != nil {
		return s.def.DefaultErrorHandling
	}
	return ErrorHandling{}
}

// CanRetry applies the step's policy, falling back to the definition default.
func (s *Step) CanRetry(n int) bool { return s.errorHandling().CanRetry(n) }

// RetryInterval returns the delay before retry n (see
// ErrorHandling.NextInterval).
func (s *Step) RetryInterval(n int) (time.Duration, bool) {
	return s.errorHandling().NextInterval(n)
}

// EffectiveLockExpiration returns the lease length needed to run the step.
func (s *Step) EffectiveLockExpiration() time.Duration {
	if s.def != nil && s.LockExpiration < s.def.DefaultLockExpiration {
		return s.def.DefaultLockExpiration
	}
	return s.LockExpiration
}
