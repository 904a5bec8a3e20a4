package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/orchestra/pkg/api"
)

func TestPrometheusPublisherCountsLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	pub, err := NewPrometheusPublisher(reg, "")
	require.NoError(t, err)

	ctx := context.Background()
	base := api.LifecycleEvent{DefinitionID: "billing", InstanceID: "i-1"}
	emit := func(typ api.LifecycleType, mutate func(*api.LifecycleEvent)) {
		ev := base
		ev.Type = typ
		if mutate != nil {
			mutate(&ev)
		}
		pub.Publish(ctx, ev)
	}

	emit(api.LifecycleStarted, nil)
	emit(api.LifecycleStarted, nil)
	emit(api.LifecycleStepStarted, func(ev *api.LifecycleEvent) { ev.StepName = "charge" })
	emit(api.LifecycleStepCompleted, func(ev *api.LifecycleEvent) {
		ev.StepName = "charge"
		ev.Result = "next"
		ev.Duration = 250 * time.Millisecond
	})
	emit(api.LifecycleError, func(ev *api.LifecycleEvent) { ev.StepName = "charge" })
	emit(api.LifecycleCompleted, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(pub.instances.WithLabelValues("billing", string(api.LifecycleStarted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(pub.inFlight.WithLabelValues("billing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pub.steps.WithLabelValues("billing", "charge", "next")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pub.errors.WithLabelValues("billing", "charge")))
	assert.Equal(t, 1, testutil.CollectAndCount(pub.stepDuration))
}

func TestPrometheusPublisherRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusPublisher(reg, "orchestra")
	require.NoError(t, err)

	_, err = NewPrometheusPublisher(reg, "orchestra")
	require.Error(t, err)

	_, err = NewPrometheusPublisher(reg, "other")
	require.NoError(t, err)
}

func TestHandlerServesMetrics(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	pub, err := NewPrometheusPublisher(reg, "orchestra")
	require.NoError(t, err)
	pub.Publish(context.Background(), api.LifecycleEvent{Type: api.LifecycleStarted, DefinitionID: "d"})

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `orchestra_instances_in_flight{definition="d"} 1`), text)
	assert.True(t, strings.Contains(text, "go_goroutines"))
}
