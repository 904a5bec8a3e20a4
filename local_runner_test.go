package orchestra

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func newTestRunner(t *testing.T) *LocalRunner {
	t.Helper()
	runner, err := NewLocalRunner(Options{
		AwaitPublish:      true,
		WorkerIdleTimeout: 20 * time.Millisecond,
		Logger:            slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("NewLocalRunner failed: %v", err)
	}
	return runner
}

// TestLocalRunner_AsyncEvents verifies that events enqueued on the runner
// are delivered by its workers and resume the waiting instance.
func TestLocalRunner_AsyncEvents(t *testing.T) {
	runner := newTestRunner(t)
	ctx := context.Background()

	b := New("localrunner-approval", 1)
	b.Then("inc", addInt(1)).
		WaitForEvent("await", EventSpec{Name: "go"}).
		Then("double", TypedInline(func(_ context.Context, n int) (int, error) { return n * 2, nil }))
	b.MustRegister(runner.Controller)

	if err := runner.Start(ctx, 2); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer runner.Stop()

	id, err := runner.Controller.StartOrchestration(ctx, StartRequest{DefinitionID: "localrunner-approval", Key: "k-1", Data: 1})
	if err != nil {
		t.Fatalf("StartOrchestration failed: %v", err)
	}

	if err := runner.PublishEventAsync(ctx, EventRequest{Name: "go", OrchestrationKey: "k-1"}); err != nil {
		t.Fatalf("PublishEventAsync failed: %v", err)
	}

	inst := waitCompleted(t, runner.Controller, id)
	// (1 + 1) * 2 = 4
	if got, ok := inst.Data.(int); !ok || got != 4 {
		t.Fatalf("expected output 4, got %v (%T)", inst.Data, inst.Data)
	}
}

// TestLocalRunner_DelayedEvent checks that PublishEventAt holds the event
// back until its delivery time.
func TestLocalRunner_DelayedEvent(t *testing.T) {
	runner := newTestRunner(t)
	ctx := context.Background()

	b := New("localrunner-delayed", 1)
	b.WaitForEvent("await", EventSpec{Name: "tick"})
	b.MustRegister(runner.Controller)

	if err := runner.Start(ctx, 1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer runner.Stop()

	id, err := runner.Controller.StartOrchestration(ctx, StartRequest{DefinitionID: "localrunner-delayed", Key: "k-2"})
	if err != nil {
		t.Fatalf("StartOrchestration failed: %v", err)
	}

	at := time.Now().Add(150 * time.Millisecond)
	if err := runner.PublishEventAt(ctx, EventRequest{Name: "tick", OrchestrationKey: "k-2"}, at); err != nil {
		t.Fatalf("PublishEventAt failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	done, err := runner.Controller.IsCompleted(ctx, id)
	if err != nil {
		t.Fatalf("IsCompleted failed: %v", err)
	}
	if done {
		t.Fatalf("instance completed before the event was due")
	}

	inst := waitCompleted(t, runner.Controller, id)
	if inst.CompletedAt.Before(at) {
		t.Fatalf("completed at %v, before the event was due at %v", inst.CompletedAt, at)
	}
}

func TestLocalRunner_StartTwice(t *testing.T) {
	runner := newTestRunner(t)
	ctx := context.Background()

	if err := runner.Start(ctx, 1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer runner.Stop()

	if err := runner.Start(ctx, 1); err == nil {
		t.Fatalf("expected second Start to fail")
	}
}
