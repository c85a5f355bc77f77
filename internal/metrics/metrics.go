// Package metrics exposes prometheus/client_golang collectors for the
// Connection and Database components, mirroring the instrumentation style
// of the teacher's internal/metrics package.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors a single Connection updates over its
// lifetime. Callers register Registry() with their own prometheus registry
// (or http.Handle("/metrics", promhttp.HandlerFor(...))) out of scope for
// this core, same as every other UI/ops surface (spec.md section 1).
type Metrics struct {
	RequestsInFlight prometheus.Gauge
	RequestDuration  *prometheus.HistogramVec
	Reconnects       prometheus.Counter
	DatabaseItems    *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates a fresh, self-contained registry so multiple Connections in
// the same process (e.g. tests) don't collide on metric names.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vaultsync_requests_in_flight",
			Help: "Number of requests awaiting a correlated response.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vaultsync_request_duration_seconds",
			Help:    "Round-trip latency of correlated requests, by action.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultsync_reconnects_total",
			Help: "Number of times the Connection has re-dialed the transport.",
		}),
		DatabaseItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vaultsync_database_items",
			Help: "Number of items currently held in a database replica.",
		}, []string{"db_name_hash"}),
		registry: reg,
	}

	reg.MustRegister(m.RequestsInFlight, m.RequestDuration, m.Reconnects, m.DatabaseItems)
	return m
}

// Registry returns the underlying prometheus registry for the hosting
// application to expose however it likes.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
