package engine

import (
	"context"
	"log/slog"

	"github.com/petrijr/orchestra/pkg/api"
	"github.com/petrijr/orchestra/pkg/worker"
)

// dispatcher fans lifecycle events out to the host's publisher, either
// inline or through a queue drained by a background worker.
type dispatcher struct {
	target api.Publisher
	queue  *worker.Worker // nil means synchronous delivery
	logger *slog.Logger
}

func (d *dispatcher) Publish(ctx context.Context, ev api.LifecycleEvent) {
	if d.queue == nil {
		d.publishNow(ctx, ev)
		return
	}
	if err := d.queue.EnqueueLifecycle(context.WithoutCancel(ctx), ev); err != nil {
		d.logger.Warn("lifecycle_event_dropped",
			slog.String("type", string(ev.Type)),
			slog.String("instance_id", ev.InstanceID),
			slog.Any("error", err),
		)
	}
}

func (d *dispatcher) publishNow(ctx context.Context, ev api.LifecycleEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("publisher_panic",
				slog.String("type", string(ev.Type)),
				slog.Any("panic", r),
			)
		}
	}()
	d.target.Publish(ctx, ev)
}
