package taskqueue

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"
)

// QueueSuite runs the same checks against every durable queue.
type QueueSuite struct {
	suite.Suite
	newQueue func() Queue
	queue    Queue
}

func (s *QueueSuite) SetupTest() {
	s.queue = s.newQueue()
}

func (s *QueueSuite) TestEnqueueDequeueOrder() {
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		s.Require().NoError(s.queue.Enqueue(ctx, Task{ID: id, Type: TaskTypeExternalEvent, EventName: "go", Payload: id}))
	}
	s.Equal(3, s.queue.Len())

	for _, want := range []string{"1", "2", "3"} {
		got, err := s.queue.Dequeue(ctx)
		s.Require().NoError(err)
		s.Equal(want, got.ID)
		s.Equal("go", got.EventName)
		s.Equal(want, got.Payload)
	}
	s.Equal(0, s.queue.Len())
}

func (s *QueueSuite) TestDueTaskOvertakesDeferredOne() {
	ctx := context.Background()
	s.Require().NoError(s.queue.Enqueue(ctx, Task{ID: "later", NotBefore: time.Now().Add(time.Hour)}))
	s.Require().NoError(s.queue.Enqueue(ctx, Task{ID: "now"}))

	got, err := s.queue.Dequeue(ctx)
	s.Require().NoError(err)
	s.Equal("now", got.ID)

	short, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = s.queue.Dequeue(short)
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Equal(1, s.queue.Len())
}

func (s *QueueSuite) TestDequeueWaitsForTask() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	got := make(chan *Task, 1)
	go func() {
		t, err := s.queue.Dequeue(ctx)
		if err == nil {
			got <- t
		}
		close(got)
	}()

	time.Sleep(100 * time.Millisecond)
	s.Require().NoError(s.queue.Enqueue(ctx, Task{ID: "late", Attempts: 2}))

	t, ok := <-got
	s.Require().True(ok, "Dequeue did not return a task")
	s.Equal("late", t.ID)
	s.Equal(2, t.Attempts)
}
