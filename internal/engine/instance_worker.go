package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/petrijr/orchestra/pkg/api"
)

// instanceWorker drives one instance on this host. It runs a pass whenever
// it is woken or its timer fires, and exits once the instance is finished
// or suspended.
type instanceWorker struct {
	id   string
	key  string
	idle time.Duration

	exec   *Executor
	logger *slog.Logger
	wake   chan struct{}
	// retire is called before exiting. It returns false when a wake-up
	// raced with the decision to exit, in which case the worker continues.
	retire func(*instanceWorker) bool
}

func newInstanceWorker(id, key string, idle time.Duration, exec *Executor, logger *slog.Logger, retire func(*instanceWorker) bool) *instanceWorker {
	if idle <= 0 {
		idle = api.DefaultWorkerIdleTimeout
	}
	return &instanceWorker{
		id:     id,
		key:    key,
		idle:   idle,
		exec:   exec,
		logger: logger,
		wake:   make(chan struct{}, 1),
		retire: retire,
	}
}

// Wake requests a pass. It never blocks.
func (w *instanceWorker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *instanceWorker) run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.retire(w)
			return
		case <-w.wake:
		case <-timer.C:
		}

		delay, exit := w.pass(ctx)
		if exit {
			if w.retire(w) {
				return
			}
			delay = 0
		}
		timer.Reset(delay)
	}
}

// pass runs the executor once and returns how long to sleep.
func (w *instanceWorker) pass(ctx context.Context) (time.Duration, bool) {
	out, err := w.exec.Execute(ctx, w.id)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, api.ErrInstanceNotFound) {
			return 0, true
		}
		w.logger.Warn("instance_pass_failed",
			slog.String("instance_id", w.id),
			slog.Any("error", err),
		)
		return w.idle, false
	}
	if out.Finished || out.Suspended {
		return 0, true
	}
	if out.Runnable {
		return 0, false
	}

	delay := w.idle
	if !out.NextWake.IsZero() {
		if d := time.Until(out.NextWake); d < delay {
			delay = max(d, 0)
		}
	}
	return delay, false
}
