package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Publisher receives lifecycle events from the engine.
//
// Delivery is fire-and-forget: the engine assumes no guarantee and ignores
// failures. Implementations should be fast; the engine hands events to them
// from a background dispatcher unless configured to await delivery.
type Publisher interface {
	Publish(ctx context.Context, ev LifecycleEvent)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev LifecycleEvent)

func (f PublisherFunc) Publish(ctx context.Context, ev LifecycleEvent) { f(ctx, ev) }

// NoopPublisher drops every event. It is the default.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, LifecycleEvent) {}

// CompositePublisher fans out events to multiple publishers.
type CompositePublisher struct {
	publishers []Publisher
}

// NewCompositePublisher creates a Publisher that forwards events to each
// non-nil publisher in pubs.
func NewCompositePublisher(pubs ...Publisher) Publisher {
	filtered := make([]Publisher, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == 0 {
		return NoopPublisher{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositePublisher{publishers: filtered}
}

func (c *CompositePublisher) Publish(ctx context.Context, ev LifecycleEvent) {
	for _, p := range c.publishers {
		p.Publish(ctx, ev)
	}
}

// LoggingPublisher writes structured logs using log/slog.
type LoggingPublisher struct {
	Logger *slog.Logger
}

// NewLoggingPublisher creates a Publisher that logs lifecycle events using
// the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingPublisher(logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{Logger: logger}
}

func (l *LoggingPublisher) Publish(ctx context.Context, ev LifecycleEvent) {
	attrs := []slog.Attr{
		slog.String("definition", ev.DefinitionID),
		slog.Int("version", ev.Version),
		slog.String("instance_id", ev.InstanceID),
		slog.String("key", ev.Key),
	}
	if ev.Trace != "" {
		attrs = append(attrs, slog.String("trace", ev.Trace))
	}
	level := slog.LevelInfo
	switch {
	case ev.Type == LifecycleError:
		level = slog.LevelError
		attrs = append(attrs, slog.String("step", ev.StepName), slog.String("error", ev.Detail))
	case ev.IsStepEvent():
		level = slog.LevelDebug
		attrs = append(attrs, slog.String("step", ev.StepName), slog.Int("step_id", ev.StepID))
		if ev.Type == LifecycleStepCompleted {
			attrs = append(attrs, slog.String("result", ev.Result), slog.Duration("duration", ev.Duration))
		}
	case ev.Detail != "":
		attrs = append(attrs, slog.String("detail", ev.Detail))
	}
	l.Logger.LogAttrs(ctx, level, string(ev.Type), attrs...)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Publisher, and can be combined with LoggingPublisher via
// NewCompositePublisher.
type BasicMetrics struct {
	started    atomic.Int64
	completed  atomic.Int64
	suspended  atomic.Int64
	terminated atomic.Int64
	errors     atomic.Int64

	stepsCompleted    atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	Started    int64
	Completed  int64
	Suspended  int64
	Terminated int64
	Errors     int64

	StepsCompleted  int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) Publish(_ context.Context, ev LifecycleEvent) {
	switch ev.Type {
	case LifecycleStarted:
		m.started.Add(1)
	case LifecycleCompleted:
		m.completed.Add(1)
	case LifecycleSuspended:
		m.suspended.Add(1)
	case LifecycleTerminated:
		m.terminated.Add(1)
	case LifecycleError:
		m.errors.Add(1)
	case LifecycleStepCompleted:
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(ev.Duration.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	steps := m.stepsCompleted.Load()
	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(m.totalStepDuration.Load() / steps)
	}
	return BasicMetricsSnapshot{
		Started:         m.started.Load(),
		Completed:       m.completed.Load(),
		Suspended:       m.suspended.Load(),
		Terminated:      m.terminated.Load(),
		Errors:          m.errors.Load(),
		StepsCompleted:  steps,
		AvgStepDuration: avg,
	}
}
