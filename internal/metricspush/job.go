package metricspush

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	webhookservice "github.com/smallbiznis/orderpay/internal/webhook/service"
)

// JobMetrics holds the gauges of one CLI job run. Each push replaces the
// previous run's values for the same job.
type JobMetrics struct {
	job         string
	registry    *prometheus.Registry
	duration    prometheus.Gauge
	lastSuccess prometheus.Gauge
	items       *prometheus.GaugeVec
}

func NewJobMetrics(job string) *JobMetrics {
	registry := prometheus.NewRegistry()
	duration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orderpay_cli_job_duration_seconds",
		Help: "Duration of the last CLI job run.",
	})
	lastSuccess := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orderpay_cli_job_last_success_timestamp_seconds",
		Help: "Unix time of the last successful CLI job run.",
	})
	items := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orderpay_cli_job_items",
		Help: "Rows handled by the last CLI job run by outcome.",
	}, []string{"outcome"})
	registry.MustRegister(duration, lastSuccess, items)

	return &JobMetrics{
		job:         job,
		registry:    registry,
		duration:    duration,
		lastSuccess: lastSuccess,
		items:       items,
	}
}

func (m *JobMetrics) Job() string { return m.job }

func (m *JobMetrics) Registry() *prometheus.Registry { return m.registry }

func (m *JobMetrics) ObserveSweep(stats webhookservice.SweepStats, took time.Duration) {
	m.duration.Set(took.Seconds())
	m.items.WithLabelValues("claimed").Set(float64(stats.Claimed))
	m.items.WithLabelValues("succeeded").Set(float64(stats.Succeeded))
	m.items.WithLabelValues("rescheduled").Set(float64(stats.Rescheduled))
	m.items.WithLabelValues("deferred").Set(float64(stats.Deferred))
	m.items.WithLabelValues("dead_lettered").Set(float64(stats.DeadLettered))
	m.items.WithLabelValues("failed").Set(float64(stats.Failed))
}

func (m *JobMetrics) ObservePurge(purged int64, took time.Duration) {
	m.duration.Set(took.Seconds())
	m.items.WithLabelValues("purged").Set(float64(purged))
}

func (m *JobMetrics) MarkSuccess(at time.Time) {
	m.lastSuccess.Set(float64(at.Unix()))
}
