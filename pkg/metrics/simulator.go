package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the synthetic feed.
type SimulatorMetrics struct {
	SnapshotsServed prometheus.Counter
	FleetSize       prometheus.Gauge
	StepsTotal      prometheus.Counter
}

// NewSimulatorMetrics creates simulator metrics and registers them with the
// global registry.
func NewSimulatorMetrics(namespace string) *SimulatorMetrics {
	return NewSimulatorMetricsWith(Registry, namespace)
}

// NewSimulatorMetricsWith creates simulator metrics and registers them with reg.
func NewSimulatorMetricsWith(reg prometheus.Registerer, namespace string) *SimulatorMetrics {
	m := &SimulatorMetrics{
		SnapshotsServed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "snapshots_served_total",
				Help:      "Total number of data.json snapshots served",
			},
		),
		FleetSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "fleet_size",
				Help:      "Number of simulated aircraft",
			},
		),
		StepsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "steps_total",
				Help:      "Total number of fleet movement steps",
			},
		),
	}

	reg.MustRegister(
		m.SnapshotsServed,
		m.FleetSize,
		m.StepsTotal,
	)

	return m
}
