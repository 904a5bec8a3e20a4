package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryQueue_EnqueueDequeueOrder(t *testing.T) {
	q := NewInMemoryQueue(0)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		if err := q.Enqueue(ctx, Task{ID: id, Type: TaskTypeLifecycle}); err != nil {
			t.Fatalf("Enqueue %s failed: %v", id, err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("expected Len 3, got %d", q.Len())
	}

	for _, want := range []string{"1", "2", "3"} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if got.ID != want {
			t.Fatalf("expected %q, got %q", want, got.ID)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected Len 0 after dequeues, got %d", q.Len())
	}
}

func TestInMemoryQueue_DequeueHonorsContextCancellation(t *testing.T) {
	q := NewInMemoryQueue(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestInMemoryQueue_NotBeforeDelaysDelivery(t *testing.T) {
	q := NewInMemoryQueue(4)
	ctx := context.Background()

	delay := 50 * time.Millisecond
	start := time.Now()
	if err := q.Enqueue(ctx, Task{ID: "later", NotBefore: start.Add(delay)}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, Task{ID: "now"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first, err := q.Dequeue(ctx)
	if err != nil || first.ID != "now" {
		t.Fatalf("expected immediate task first, got %+v err=%v", first, err)
	}
	second, err := q.Dequeue(ctx)
	if err != nil || second.ID != "later" {
		t.Fatalf("expected delayed task, got %+v err=%v", second, err)
	}
	if elapsed := time.Since(start); elapsed < delay {
		t.Fatalf("delayed task delivered after %v, expected >= %v", elapsed, delay)
	}
}

func TestInMemoryQueue_RejectsWhenFull(t *testing.T) {
	q := NewInMemoryQueue(1)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Task{ID: "1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, Task{ID: "2"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestInMemoryQueue_WakesBlockedConsumer(t *testing.T) {
	q := NewInMemoryQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got := make(chan *Task, 1)
	go func() {
		task, _ := q.Dequeue(ctx)
		got <- task
	}()

	time.Sleep(10 * time.Millisecond)
	if err := q.Enqueue(ctx, Task{ID: "x"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case task := <-got:
		if task == nil || task.ID != "x" {
			t.Fatalf("unexpected task %+v", task)
		}
	case <-ctx.Done():
		t.Fatalf("consumer not woken")
	}
}
