// Package metrics exposes Prometheus collectors for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Requests           *prometheus.CounterVec
	Duration           *prometheus.HistogramVec
	DownstreamFailures *prometheus.CounterVec
}

// New creates the collectors. sessionCount feeds the active-sessions gauge.
func New(sessionCount func() int) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcprelay",
			Name:      "requests_total",
			Help:      "Requests handled, by method, status, and transport.",
		}, []string{"method", "status", "transport"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcprelay",
			Name:      "request_duration_seconds",
			Help:      "Request handling latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		DownstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcprelay",
			Name:      "downstream_failures_total",
			Help:      "Downstream call failures, by server.",
		}, []string{"server"}),
	}

	reg.MustRegister(m.Requests, m.Duration, m.DownstreamFailures)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "mcprelay",
		Name:      "active_sessions",
		Help:      "Sessions currently in the store.",
	}, func() float64 { return float64(sessionCount()) }))

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
