// Package metrics provides Prometheus metrics for workflow operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the engine and server report to. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	TransitionsTotal   *prometheus.CounterVec
	GateDecisionsTotal *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	ConflictsTotal     prometheus.Counter
	RequestDuration    *prometheus.HistogramVec

	registry *prometheus.Registry
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageline_stage_transitions_total",
				Help: "Stage transition attempts by kind and result.",
			},
			[]string{"kind", "result"},
		),
		GateDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageline_gate_decisions_total",
				Help: "Gate decisions by action and result.",
			},
			[]string{"action", "result"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageline_notifications_total",
				Help: "Progression notifications by notifier and result.",
			},
			[]string{"notifier", "result"},
		),
		ConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stageline_concurrent_modifications_total",
				Help: "Writes rejected by the optimistic version check.",
			},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stageline_http_request_duration_seconds",
				Help:    "HTTP request duration by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "status"},
		),
		registry: reg,
	}

	reg.MustRegister(m.TransitionsTotal)
	reg.MustRegister(m.GateDecisionsTotal)
	reg.MustRegister(m.NotificationsTotal)
	reg.MustRegister(m.ConflictsTotal)
	reg.MustRegister(m.RequestDuration)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordTransition(kind, result string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) RecordGateDecision(action, result string) {
	if m == nil {
		return
	}
	m.GateDecisionsTotal.WithLabelValues(action, result).Inc()
}

func (m *Metrics) RecordNotification(notifier, result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(notifier, result).Inc()
}

func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.ConflictsTotal.Inc()
}

func (m *Metrics) ObserveRequest(operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(operation, status).Observe(d.Seconds())
}
