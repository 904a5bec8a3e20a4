package api

import "time"

// ResultKind tells the executor how to advance a pointer after its step ran.
type ResultKind int

const (
	ResultNext ResultKind = iota
	ResultBranch
	ResultRetry
	ResultFail
	ResultWait
	ResultEmpty
)

func (k ResultKind) String() string {
	switch k {
	case ResultNext:
		return "next"
	case ResultBranch:
		return "branch"
	case ResultRetry:
		return "retry"
	case ResultFail:
		return "fail"
	case ResultWait:
		return "wait"
	case ResultEmpty:
		return "empty"
	}
	return "unknown"
}

// EventWait describes the event a pointer is parked on.
type EventWait struct {
	Name string
	Key  string
	TTL  time.Duration
}

// ExecutionResult is produced by a step body and interpreted by the executor.
// It is never persisted.
type ExecutionResult struct {
	Kind          ResultKind
	BranchStepIDs []int
	// Interval overrides the policy delay for a retry. A retry with a nil
	// Err is a plain delay and does not count against the retry budget.
	Interval time.Duration
	Err      error
	Event    EventWait
}

// Next moves on to the step's successor.
func Next() ExecutionResult { return ExecutionResult{Kind: ResultNext} }

// BranchTo enters the given branch head steps.
func BranchTo(stepIDs ...int) ExecutionResult {
	return ExecutionResult{Kind: ResultBranch, BranchStepIDs: stepIDs}
}

// Retry asks for a policy-governed retry after err.
func Retry(err error) ExecutionResult { return ExecutionResult{Kind: ResultRetry, Err: err} }

// RetryAfter re-runs the step after d. With a nil err the retry budget is not
// consumed.
func RetryAfter(d time.Duration, err error) ExecutionResult {
	return ExecutionResult{Kind: ResultRetry, Interval: d, Err: err}
}

// Fail suspends the pointer.
func Fail(err error) ExecutionResult { return ExecutionResult{Kind: ResultFail, Err: err} }

// WaitFor parks the pointer until a matching event is recorded.
func WaitFor(name, key string, ttl time.Duration) ExecutionResult {
	return ExecutionResult{Kind: ResultWait, Event: EventWait{Name: name, Key: key, TTL: ttl}}
}

// Empty leaves the pointer unchanged.
func Empty() ExecutionResult { return ExecutionResult{Kind: ResultEmpty} }

// IsDelay reports whether r is a plain delay rather than an error retry.
func (r ExecutionResult) IsDelay() bool {
	return r.Kind == ResultRetry && r.Err == nil
}
