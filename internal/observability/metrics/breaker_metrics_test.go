package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestBreakerMetricsRecordState(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewBreakerMetrics(registry, Config{ServiceName: "orderpay", Environment: "test"})

	m.SetState("payment_api", 2)
	m.IncTransition("payment_api", "closed", "open")
	m.IncRejected("payment_api")
	m.IncRejected("payment_api")

	if got := testutil.ToFloat64(m.state.WithLabelValues("payment_api")); got != 2 {
		t.Fatalf("expected state 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.rejections.WithLabelValues("payment_api")); got != 2 {
		t.Fatalf("expected 2 rejections, got %v", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("payment_api", "closed", "open")); got != 1 {
		t.Fatalf("expected 1 transition, got %v", got)
	}
}

func TestNilBreakerMetricsAreSafe(t *testing.T) {
	var m *BreakerMetrics
	m.SetState("x", 1)
	m.IncRejected("x")
	m.IncTransition("x", "a", "b")
	m.IncOutcome("x", "success")
}
