// Package metrics exposes Prometheus instrumentation for the deployment
// orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the instancer's collectors behind a private registry so
// tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	// Deployments counts deployer script invocations by action
	// (start|stop|restart|cleanup) and outcome (ok|error).
	Deployments *prometheus.CounterVec

	// RunningInstances tracks the number of instances currently persisted
	// as running.
	RunningInstances prometheus.Gauge

	// Expirations counts TTL expiries that produced a stop request.
	Expirations prometheus.Counter

	// ActiveSessions tracks live websocket sessions.
	ActiveSessions prometheus.Gauge

	// RateLimited counts challenge actions rejected by the per-user
	// token bucket.
	RateLimited prometheus.Counter
}

// New creates a Metrics with all collectors registered on a fresh registry,
// alongside the standard Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "instancer_deployments_total",
			Help: "Deployer script invocations by action and outcome.",
		}, []string{"action", "outcome"}),
		RunningInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "instancer_running_instances",
			Help: "Challenge instances currently in the running state.",
		}),
		Expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "instancer_ttl_expirations_total",
			Help: "TTL expiries that enqueued a stop request.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "instancer_active_sessions",
			Help: "Live websocket sessions.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "instancer_rate_limited_actions_total",
			Help: "Challenge actions rejected by the per-user rate limiter.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Deployments,
		m.RunningInstances,
		m.Expirations,
		m.ActiveSessions,
		m.RateLimited,
	)
	return m
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
