// Package metrics instruments the forwarding engine. Naming and the set
// of series are grounded on the teacher's own
// plugin/pkg/proxy/connect.go (ConnCacheHitsCount, RequestCount,
// RcodeCount, RequestDuration), adapted from a connection-cache proxy to
// this package's connect-per-query, health-tracked forwarder.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus collectors the forwarding engine
// updates on every query.
type Metrics struct {
	QueriesTotal      *prometheus.CounterVec
	ConnectFailures   *prometheus.CounterVec
	ServerHealth      *prometheus.GaugeVec
	QueryDuration     *prometheus.HistogramVec
	ServerTriedPerQry prometheus.Histogram
}

// New registers and returns a fresh Metrics bundle against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iodns",
			Name:      "queries_total",
			Help:      "Total number of client queries accepted, by protocol and outcome.",
		}, []string{"protocol", "outcome"}),
		ConnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iodns",
			Name:      "connect_failures_total",
			Help:      "Total number of failed connect attempts to an ioserver, by server id.",
		}, []string{"server_id"}),
		ServerHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "iodns",
			Name:      "server_health",
			Help:      "Current health value of each configured ioserver (0 = available).",
		}, []string{"server_id"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "iodns",
			Name:      "query_duration_seconds",
			Help:      "End-to-end duration of a forwarded query, by protocol.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"protocol"}),
		ServerTriedPerQry: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "iodns",
			Name:      "server_attempts_per_query",
			Help:      "Number of servers tried before a query succeeded or was abandoned.",
			Buckets:   []float64{1, 2, 3, 4},
		}),
	}
	reg.MustRegister(m.QueriesTotal, m.ConnectFailures, m.ServerHealth, m.QueryDuration, m.ServerTriedPerQry)
	return m
}

// Noop returns a Metrics bundle registered against a private registry,
// for callers (tests, short-lived CLI invocations) that don't want to
// pollute prometheus.DefaultRegisterer.
func Noop() *Metrics {
	return New(prometheus.NewRegistry())
}
