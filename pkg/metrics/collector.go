package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CollectorMetrics contains Prometheus metrics for the flight collector.
type CollectorMetrics struct {
	CyclesTotal              *prometheus.CounterVec
	CycleDuration            prometheus.Histogram
	ConsecutiveFetchFailures prometheus.Gauge
	NextCycleDelay           prometheus.Gauge
	ObservationsTotal        *prometheus.CounterVec
	LookupsTotal             *prometheus.CounterVec
	CacheRequestsTotal       *prometheus.CounterVec
	CacheWriteFailures       prometheus.Counter
	ResolutionRetries        *prometheus.CounterVec
	DBOperationsTotal        *prometheus.CounterVec
	DBOperationDuration      *prometheus.HistogramVec
	FactsPublished           *prometheus.CounterVec
}

// NewCollectorMetrics creates collector metrics and registers them with the
// global registry.
func NewCollectorMetrics(namespace string) *CollectorMetrics {
	return NewCollectorMetricsWith(Registry, namespace)
}

// NewCollectorMetricsWith creates collector metrics and registers them with reg.
func NewCollectorMetricsWith(reg prometheus.Registerer, namespace string) *CollectorMetrics {
	m := &CollectorMetrics{
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cycle",
				Name:      "total",
				Help:      "Total number of polling cycles",
			},
			[]string{"status"}, // status: success, fetch_error
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "cycle",
				Name:      "duration_seconds",
				Help:      "Duration of fetch and processing for one cycle",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ConsecutiveFetchFailures: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cycle",
				Name:      "consecutive_fetch_failures",
				Help:      "Number of consecutive snapshot fetch failures",
			},
		),
		NextCycleDelay: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cycle",
				Name:      "next_delay_seconds",
				Help:      "Delay before the next cycle starts",
			},
		),
		ObservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "observation",
				Name:      "processed_total",
				Help:      "Total number of processed observations",
			},
			[]string{"status"}, // status: success, error, skipped
		),
		LookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lookup",
				Name:      "requests_total",
				Help:      "Total number of registry lookups",
			},
			[]string{"kind", "result"}, // kind: aircraft, callsign; result: found, unknown, failed
		),
		CacheRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "requests_total",
				Help:      "Total number of enrichment cache reads",
			},
			[]string{"result"}, // result: hit, miss, decode_error
		),
		CacheWriteFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "write_failures_total",
				Help:      "Total number of failed enrichment cache writes",
			},
		),
		ResolutionRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "resolver",
				Name:      "retries_total",
				Help:      "Total number of upsert retries after a key conflict",
			},
			[]string{"entity"},
		),
		DBOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operations_total",
				Help:      "Total number of database operations",
			},
			[]string{"operation", "table", "status"}, // operation: upsert, insert
		),
		DBOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operation_duration_seconds",
				Help:      "Duration of database operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),
		FactsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "publisher",
				Name:      "facts_total",
				Help:      "Total number of flight facts published to the queue",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.ConsecutiveFetchFailures,
		m.NextCycleDelay,
		m.ObservationsTotal,
		m.LookupsTotal,
		m.CacheRequestsTotal,
		m.CacheWriteFailures,
		m.ResolutionRetries,
		m.DBOperationsTotal,
		m.DBOperationDuration,
		m.FactsPublished,
	)

	return m
}
