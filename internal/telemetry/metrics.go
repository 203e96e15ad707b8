package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the routing core. A nil *Metrics
// records nothing, so tests can pass nil.
type Metrics struct {
	Registry *prometheus.Registry

	IntakeTotal         *prometheus.CounterVec
	ExpiriesTotal       *prometheus.CounterVec
	RedistributionTotal *prometheus.CounterVec
	RedistributionRetry prometheus.Counter
	SweepDuration       prometheus.Histogram
	SweepBatch          prometheus.Gauge
	ConsumedTotal       *prometheus.CounterVec
}

// NewMetrics registers every collector on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		IntakeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leadrouting_intake_total",
			Help: "Leads received, by outcome (assigned, manual, duplicate, rejected).",
		}, []string{"outcome"}),
		ExpiriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leadrouting_expiries_total",
			Help: "Overdue assignments processed by the watchdog, by outcome.",
		}, []string{"outcome"}),
		RedistributionTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leadrouting_redistributions_total",
			Help: "Repique attempts, by outcome (reassigned, manual, duplicate, skipped, failed).",
		}, []string{"outcome"}),
		RedistributionRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "leadrouting_redistribution_retries_total",
			Help: "Store retries performed while redistributing.",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "leadrouting_sweep_duration_seconds",
			Help:    "Duration of one watchdog sweep.",
			Buckets: prometheus.DefBuckets,
		}),
		SweepBatch: f.NewGauge(prometheus.GaugeOpts{
			Name: "leadrouting_sweep_batch_size",
			Help: "Overdue assignments picked up by the last sweep.",
		}),
		ConsumedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leadrouting_consumed_messages_total",
			Help: "Kafka messages handled by workers, by topic and result.",
		}, []string{"topic", "result"}),
	}
}

// Intake records an intake outcome.
func (m *Metrics) Intake(outcome string) {
	if m == nil {
		return
	}
	m.IntakeTotal.WithLabelValues(outcome).Inc()
}

// Expiry records a watchdog expiry outcome.
func (m *Metrics) Expiry(outcome string) {
	if m == nil {
		return
	}
	m.ExpiriesTotal.WithLabelValues(outcome).Inc()
}

// Redistribution records a repique outcome.
func (m *Metrics) Redistribution(outcome string) {
	if m == nil {
		return
	}
	m.RedistributionTotal.WithLabelValues(outcome).Inc()
}

// Retry counts one redistribution retry.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.RedistributionRetry.Inc()
}

// Sweep records the size and duration of a sweep.
func (m *Metrics) Sweep(batch int, took time.Duration) {
	if m == nil {
		return
	}
	m.SweepBatch.Set(float64(batch))
	m.SweepDuration.Observe(took.Seconds())
}

// Consumed records one handled Kafka message.
func (m *Metrics) Consumed(topic, result string) {
	if m == nil {
		return
	}
	m.ConsumedTotal.WithLabelValues(topic, result).Inc()
}
