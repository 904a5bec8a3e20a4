package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/orchestra/internal/taskqueue"
	"github.com/petrijr/orchestra/pkg/api"
)

// EventSink accepts external events. api.Controller satisfies it.
type EventSink interface {
	PublishEvent(ctx context.Context, req api.EventRequest) (string, error)
}

// Config controls delivery retries.
type Config struct {
	// MaxAttempts bounds deliveries per task. Zero or one means no retry.
	MaxAttempts int
	// Backoff is multiplied by the attempt number to schedule a retry.
	Backoff time.Duration
	Logger  *slog.Logger
}

// Worker pulls tasks from a Queue and delivers them: lifecycle events to a
// Publisher, external events to an EventSink.
type Worker struct {
	sink      EventSink
	publisher api.Publisher
	queue     taskqueue.Queue
	cfg       Config
	logger    *slog.Logger
}

// New creates a Worker that delivers each task once.
func New(sink EventSink, publisher api.Publisher, queue taskqueue.Queue) *Worker {
	return NewWithConfig(sink, publisher, queue, Config{})
}

// NewWithConfig creates a Worker with a retry policy.
func NewWithConfig(sink EventSink, publisher api.Publisher, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if publisher == nil {
		publisher = api.NoopPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		sink:      sink,
		publisher: publisher,
		queue:     queue,
		cfg:       cfg,
		logger:    logger,
	}
}

// EnqueueEvent enqueues an external event for asynchronous delivery.
func (w *Worker) EnqueueEvent(ctx context.Context, req api.EventRequest) error {
	return w.EnqueueEventAt(ctx, req, time.Time{})
}

// EnqueueEventAt enqueues an external event that will be delivered no
// earlier than at.
func (w *Worker) EnqueueEventAt(ctx context.Context, req api.EventRequest, at time.Time) error {
	t := taskqueue.Task{
		ID:               uuid.NewString(),
		Type:             taskqueue.TaskTypeExternalEvent,
		EventName:        req.Name,
		EventKey:         req.Key,
		OrchestrationKey: req.OrchestrationKey,
		Payload:          req.Data,
		EnqueuedAt:       time.Now(),
		NotBefore:        at,
	}
	return w.queue.Enqueue(ctx, t)
}

// EnqueueLifecycle enqueues a lifecycle event for the publisher.
func (w *Worker) EnqueueLifecycle(ctx context.Context, ev api.LifecycleEvent) error {
	t := taskqueue.Task{
		Type:       taskqueue.TaskTypeLifecycle,
		Payload:    ev,
		EnqueuedAt: time.Now(),
	}
	return w.queue.Enqueue(ctx, t)
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained (ctx cancelled or queue error)
//   - processed == true, err == nil: delivered, or a retry was scheduled
//   - processed == true, err != nil: delivery failed for the last time
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	derr := w.deliver(ctx, task)
	if derr == nil {
		return true, nil
	}

	task.Attempts++
	if task.Attempts >= w.cfg.MaxAttempts {
		w.logger.Error("task_delivery_failed",
			slog.String("task_id", task.ID),
			slog.String("type", string(task.Type)),
			slog.Int("attempts", task.Attempts),
			slog.Any("error", derr),
		)
		return true, derr
	}

	task.NotBefore = time.Now().Add(w.cfg.Backoff * time.Duration(task.Attempts))
	if err := w.queue.Enqueue(ctx, *task); err != nil {
		return true, errors.Join(derr, fmt.Errorf("requeue task %s: %w", task.ID, err))
	}
	w.logger.Warn("task_requeued",
		slog.String("task_id", task.ID),
		slog.Int("attempts", task.Attempts),
		slog.Time("not_before", task.NotBefore),
		slog.Any("error", derr),
	)
	return true, nil
}

func (w *Worker) deliver(ctx context.Context, task *taskqueue.Task) (err error) {
	switch task.Type {
	case taskqueue.TaskTypeLifecycle:
		ev, ok := task.Payload.(api.LifecycleEvent)
		if !ok {
			return fmt.Errorf("invalid payload type %T for lifecycle task", task.Payload)
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("publisher panic: %v", r)
			}
		}()
		w.publisher.Publish(ctx, ev)
		return nil

	case taskqueue.TaskTypeExternalEvent:
		if w.sink == nil {
			return errors.New("no event sink configured")
		}
		_, err := w.sink.PublishEvent(ctx, api.EventRequest{
			Name:             task.EventName,
			Key:              task.EventKey,
			OrchestrationKey: task.OrchestrationKey,
			Data:             task.Payload,
		})
		return err

	default:
		// Unknown task type; mark as processed but return an error so this isn't silently ignored.
		return errors.New("unknown task type: " + string(task.Type))
	}
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		_, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			w.logger.Debug("worker_process_error", slog.Any("error", err))
		}
	}
}

// Drain processes every task that is due now without blocking for new
// ones. It is used on shutdown.
func (w *Worker) Drain(ctx context.Context) {
	for w.queue.Len() > 0 {
		short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		processed, _ := w.ProcessOne(short)
		cancel()
		if !processed {
			return
		}
	}
}
