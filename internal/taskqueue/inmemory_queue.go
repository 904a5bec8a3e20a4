package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryQueue is a bounded Queue that orders tasks by NotBefore and
// arrival. It is safe for concurrent use.
type InMemoryQueue struct {
	mu       sync.Mutex
	tasks    []queued
	seq      uint64
	capacity int
	// signal is poked whenever a task is added.
	signal chan struct{}
}

type queued struct {
	task Task
	seq  uint64
}

// NewInMemoryQueue creates a new queue with the given capacity.
// Zero or negative capacity defaults to 1024.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if len(q.tasks) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.seq++
	q.tasks = append(q.tasks, queued{task: t, seq: q.seq})
	sort.SliceStable(q.tasks, func(i, j int) bool {
		a, b := q.tasks[i], q.tasks[j]
		if !a.task.NotBefore.Equal(b.task.NotBefore) {
			return a.task.NotBefore.Before(b.task.NotBefore)
		}
		return a.seq < b.seq
	})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// next pops the head if it is due, otherwise reports how long to wait.
func (q *InMemoryQueue) next(now time.Time) (*Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, -1
	}
	head := q.tasks[0].task
	if !head.Due(now) {
		return nil, head.NotBefore.Sub(now)
	}
	q.tasks = q.tasks[1:]
	return &head, 0
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		t, wait := q.next(time.Now())
		if t != nil {
			return t, nil
		}

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
		case <-q.signal:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
