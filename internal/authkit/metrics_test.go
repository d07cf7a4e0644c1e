package authkit

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounterMetricsSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	recorder := NewCounterMetrics()
	recorder.Increment(metricLoginSuccess)
	recorder.Increment(metricLoginSuccess)

	snapshot := recorder.Snapshot()
	snapshot[metricLoginSuccess] = 100
	if recorder.Count(metricLoginSuccess) != 2 {
		t.Fatalf("expected 2 login successes, got %d", recorder.Count(metricLoginSuccess))
	}
}

func TestPrometheusMetricsCountsByEvent(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	recorder := NewPrometheusMetrics(registry)
	recorder.Increment(metricRefreshSuccess)
	recorder.Increment(metricRefreshFailure)
	recorder.Increment(metricRefreshFailure)

	if value := testutil.ToFloat64(recorder.events.WithLabelValues(metricRefreshFailure)); value != 2 {
		t.Fatalf("expected 2 refresh failures, got %v", value)
	}
	if count := testutil.CollectAndCount(recorder.events); count != 2 {
		t.Fatalf("expected 2 labelled series, got %d", count)
	}
}
