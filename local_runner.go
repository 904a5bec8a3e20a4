package orchestra

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/orchestra/internal/taskqueue"
	"github.com/petrijr/orchestra/pkg/worker"
)

// LocalRunner bundles an in-memory Controller, an in-memory task queue, and
// a Worker to provide a simple "local runner" for development and
// debugging.
//
// Typical usage:
//
//	runner, _ := orchestra.NewLocalRunner(orchestra.Options{})
//	orchestra.New("my-flow", 1).Then(...)  // register on runner.Controller
//
//	_ = runner.Start(ctx, 2)
//	id, _ := runner.Controller.StartOrchestration(ctx, orchestra.StartRequest{DefinitionID: "my-flow"})
//	_ = runner.PublishEventAsync(ctx, orchestra.EventRequest{Name: "approved", OrchestrationKey: id})
//	...
//	runner.Stop()
type LocalRunner struct {
	// Controller is the in-memory controller used by this runner.
	Controller Controller

	// Queue is the in-memory task queue used by the Worker.
	Queue taskqueue.Queue

	// Worker delivers queued events to Controller.
	Worker *worker.Worker

	logger  *slog.Logger
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory
// controller, in-memory queue, and a Worker with default config.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner(opts Options) (*LocalRunner, error) {
	c, err := NewInMemoryController(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := taskqueue.NewInMemoryQueue(opts.QueueCapacity)
	return &LocalRunner{
		Controller: c,
		Queue:      q,
		Worker:     worker.NewWithConfig(c, opts.Publisher, q, worker.Config{Logger: logger}),
		logger:     logger,
	}, nil
}

// Start starts the controller and 'concurrency' worker goroutines that
// deliver queued events until Stop is called.
//
// If Start is called more than once without Stop, it returns an error.
func (r *LocalRunner) Start(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("orchestra: LocalRunner already started")
	}
	if err := r.Controller.Start(ctx); err != nil {
		return err
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()

			for {
				processed, err := r.Worker.ProcessOne(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					// Keep going so a single bad task doesn't kill the loop.
					r.logger.Warn("local_runner_task_failed", slog.Any("error", err))
					continue
				}
				if !processed && ctx.Err() != nil {
					return
				}
			}
		}()
	}
	return nil
}

// Stop cancels the worker goroutines, waits for them to exit and stops the
// controller. A stopped runner cannot be restarted.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.Controller.Stop()
}

// PublishEventAsync enqueues an event for delivery by the runner's
// workers.
func (r *LocalRunner) PublishEventAsync(ctx context.Context, req EventRequest) error {
	return r.Worker.EnqueueEvent(ctx, req)
}

// PublishEventAt enqueues an event that is delivered no earlier than at.
func (r *LocalRunner) PublishEventAt(ctx context.Context, req EventRequest, at time.Time) error {
	return r.Worker.EnqueueEventAt(ctx, req, at)
}
