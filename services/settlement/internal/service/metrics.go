package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TransitionsTotal     *prometheus.CounterVec
	TransitionDuration   *prometheus.HistogramVec
	BalanceClamps        *prometheus.CounterVec
	ConversionDuration   *prometheus.HistogramVec
	EventPublishFailures *prometheus.CounterVec
	TransactionLookups   *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_transitions_total",
				Help: "Total status transitions processed.",
			},
			[]string{"kind", "status"},
		),
		TransitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_transition_duration_seconds",
				Help:    "Transition processing duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		BalanceClamps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_balance_clamps_total",
				Help: "Total debits clamped at a zero balance.",
			},
			[]string{"kind"},
		),
		ConversionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_conversion_duration_seconds",
				Help:    "Currency conversion duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		EventPublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_event_publish_failures_total",
				Help: "Total event publish failures after commit.",
			},
			[]string{"topic"},
		),
		TransactionLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_transaction_lookups_total",
				Help: "Total transaction lookups.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.TransitionsTotal,
		m.TransitionDuration,
		m.BalanceClamps,
		m.ConversionDuration,
		m.EventPublishFailures,
		m.TransactionLookups,
	)
	return m
}

func (m *Metrics) ObserveConversion(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ConversionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) IncBalanceClamp(kind string) {
	if m == nil {
		return
	}
	m.BalanceClamps.WithLabelValues(kind).Inc()
}
