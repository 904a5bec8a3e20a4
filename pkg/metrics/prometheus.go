// Package metrics exposes orchestration lifecycle events as Prometheus
// metrics.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/orchestra/pkg/api"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "orchestra"

// PrometheusPublisher is an api.Publisher that records lifecycle events in
// Prometheus collectors.
type PrometheusPublisher struct {
	instances    *prometheus.CounterVec
	inFlight     *prometheus.GaugeVec
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	errors       *prometheus.CounterVec
}

var _ api.Publisher = (*PrometheusPublisher)(nil)

// NewPrometheusPublisher creates the collectors and registers them with reg.
func NewPrometheusPublisher(reg prometheus.Registerer, namespace string) (*PrometheusPublisher, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	p := &PrometheusPublisher{
		instances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_events_total",
			Help:      "Instance lifecycle transitions by definition and event type.",
		}, []string{"definition", "event"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_in_flight",
			Help:      "Instances started and not yet completed or terminated.",
		}, []string{"definition"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Executed steps by definition, step and result.",
		}, []string{"definition", "step", "result"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"definition", "step"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_errors_total",
			Help:      "Steps that failed and suspended their pointer.",
		}, []string{"definition", "step"}),
	}

	for name, c := range map[string]prometheus.Collector{
		"instance_events_total": p.instances,
		"instances_in_flight":   p.inFlight,
		"steps_total":           p.steps,
		"step_duration_seconds": p.stepDuration,
		"step_errors_total":     p.errors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering %s: %w", name, err)
		}
	}
	return p, nil
}

func (p *PrometheusPublisher) Publish(_ context.Context, ev api.LifecycleEvent) {
	def := ev.DefinitionID
	switch ev.Type {
	case api.LifecycleStepStarted:
		return
	case api.LifecycleStepCompleted:
		p.steps.WithLabelValues(def, ev.StepName, ev.Result).Inc()
		p.stepDuration.WithLabelValues(def, ev.StepName).Observe(ev.Duration.Seconds())
		return
	case api.LifecycleError:
		p.errors.WithLabelValues(def, ev.StepName).Inc()
		return
	case api.LifecycleStarted:
		p.inFlight.WithLabelValues(def).Inc()
	case api.LifecycleCompleted, api.LifecycleTerminated:
		p.inFlight.WithLabelValues(def).Dec()
	}
	p.instances.WithLabelValues(def, string(ev.Type)).Inc()
}

// NewRegistry returns a registry with the Go runtime and process
// collectors installed.
func NewRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("registering go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("registering process collector: %w", err)
	}
	return reg, nil
}

// Handler serves the registry for scraping.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
