// Package taskqueue provides the queues used for fire-and-forget lifecycle
// delivery and out-of-band external event ingest.
package taskqueue

import (
	"context"
	"errors"
	"time"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeLifecycle carries an api.LifecycleEvent for a publisher.
	TaskTypeLifecycle TaskType = "lifecycle-event"
	// TaskTypeExternalEvent carries an external event for a controller.
	TaskTypeExternalEvent TaskType = "external-event"
)

// ErrQueueFull is returned by bounded queues that cannot accept a task.
var ErrQueueFull = errors.New("task queue is full")

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	// For external-event tasks
	EventName        string
	EventKey         string
	OrchestrationKey string

	// Payload is task-type specific:
	//   - lifecycle-event: api.LifecycleEvent
	//   - external-event: the event data
	Payload any

	// Attempts counts failed deliveries so far.
	Attempts int

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time
}

// Due reports whether the task may be processed at now.
func (t *Task) Due(now time.Time) bool {
	return t.NotBefore.IsZero() || !now.Before(t.NotBefore)
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next due task, blocking until one is
	// available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
