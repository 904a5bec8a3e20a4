package api

import (
	"errors"
	"fmt"
)

var (
	ErrInstanceNotFound   = errors.New("orchestration instance not found")
	ErrDefinitionNotFound = errors.New("orchestration definition not found")
	ErrEventNotFound      = errors.New("event not found")
	ErrDefinitionExists   = errors.New("orchestration definition already registered")
	ErrValidation         = errors.New("invalid orchestration definition")
	ErrLockConflict       = errors.New("orchestration lock held by another owner")
	ErrSingletonConflict  = errors.New("singleton orchestration already running with another key")
	ErrInvalidState       = errors.New("invalid orchestration state")
	ErrEventWaitExpired   = errors.New("event wait expired")
)

// ValidationError is returned when a definition fails validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid orchestration definition: " + e.Reason
	}
	return fmt.Sprintf("invalid orchestration definition: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// LockConflictError reports that a lock is held by another owner.
type LockConflictError struct {
	Key      string
	LockedBy string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("lock %q held by %q", e.Key, e.LockedBy)
}

func (e *LockConflictError) Is(target error) bool { return target == ErrLockConflict }

// SingletonConflictError is returned when a singleton definition already has
// a live instance bound to a different key.
type SingletonConflictError struct {
	DefinitionID string
	ExistingKey  string
	RequestedKey string
	InstanceID   string
}

func (e *SingletonConflictError) Error() string {
	return fmt.Sprintf("singleton %q already running as instance %s with key %q (requested %q)",
		e.DefinitionID, e.InstanceID, e.ExistingKey, e.RequestedKey)
}

func (e *SingletonConflictError) Is(target error) bool { return target == ErrSingletonConflict }

// InvalidStateError is returned when an operation is not allowed in the
// instance's current status.
type InvalidStateError struct {
	InstanceID string
	Status     InstanceStatus
	Op         string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s instance %s in status %s", e.Op, e.InstanceID, e.Status)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// StepExecutionError wraps a failure raised while executing a step body.
type StepExecutionError struct {
	InstanceID string
	StepID     int
	StepName   string
	Retryable  bool
	Err        error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %d (%s) of instance %s: %v", e.StepID, e.StepName, e.InstanceID, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. Inline steps returning a permanent
// error suspend the instance instead of scheduling a retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
