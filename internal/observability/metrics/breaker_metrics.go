package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BreakerMetrics exposes circuit breaker state and rejections.
type BreakerMetrics struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
}

var (
	breakerMetricsOnce sync.Once
	breakerMetrics     *BreakerMetrics
)

// Breakers returns the singleton breaker metrics registry.
func Breakers() *BreakerMetrics {
	return BreakersWithConfig(Config{})
}

// BreakersWithConfig returns the singleton breaker metrics registry using config labels.
func BreakersWithConfig(cfg Config) *BreakerMetrics {
	breakerMetricsOnce.Do(func() {
		breakerMetrics = NewBreakerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return breakerMetrics
}

// NewBreakerMetrics registers breaker collectors on the given registerer.
func NewBreakerMetrics(registerer prometheus.Registerer, cfg Config) *BreakerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	state := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "orderpay_circuit_breaker_state",
		Help:        "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		ConstLabels: labels,
	}, []string{"breaker"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "orderpay_circuit_breaker_transitions_total",
		Help:        "Circuit breaker state transitions.",
		ConstLabels: labels,
	}, []string{"breaker", "from", "to"})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "orderpay_circuit_breaker_rejections_total",
		Help:        "Calls rejected while the breaker was open.",
		ConstLabels: labels,
	}, []string{"breaker"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "orderpay_circuit_breaker_calls_total",
		Help:        "Calls through a breaker by outcome.",
		ConstLabels: labels,
	}, []string{"breaker", "outcome"})

	registerer.MustRegister(state, transitions, rejections, outcomes)

	return &BreakerMetrics{
		state:       state,
		transitions: transitions,
		rejections:  rejections,
		outcomes:    outcomes,
	}
}

// SetState records the numeric breaker state.
func (m *BreakerMetrics) SetState(breaker string, value float64) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(breaker).Set(value)
}

// IncTransition counts a breaker moving between states.
func (m *BreakerMetrics) IncTransition(breaker, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(breaker, from, to).Inc()
}

// IncRejected counts a call short-circuited by an open breaker.
func (m *BreakerMetrics) IncRejected(breaker string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(breaker).Inc()
}

// IncOutcome counts a call that reached the protected dependency.
func (m *BreakerMetrics) IncOutcome(breaker, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(breaker, outcome).Inc()
}
