// Package metrics exposes Prometheus collectors for the tool runtime.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the runtime's collectors on a private registry so tests
// can create isolated instances.
type Metrics struct {
	registry   *prometheus.Registry
	Executions *prometheus.CounterVec
	Latency    *prometheus.HistogramVec
}

// New creates and registers the collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	executions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tool_executions_total",
		Help: "Tool executions by tool name and outcome code (ok, cached, or error code).",
	}, []string{"tool", "outcome"})

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tool_execution_latency_seconds",
		Help:    "Wall-clock tool execution latency, including short-circuited calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})

	reg.MustRegister(executions, latency)

	return &Metrics{
		registry:   reg,
		Executions: executions,
		Latency:    latency,
	}
}

// ObserveExecution records one completed execution.
func (m *Metrics) ObserveExecution(tool, outcome string, latencySeconds float64) {
	m.Executions.WithLabelValues(tool, outcome).Inc()
	m.Latency.WithLabelValues(tool).Observe(latencySeconds)
}

// Handler serves the /metrics endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
