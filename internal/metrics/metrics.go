// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	SlackEventsTotal  *prometheus.CounterVec // by outcome: routed/forwarded/skipped/rejected
	IngressDecisions  *prometheus.CounterVec // by decision and reason
	DedupHitsTotal    prometheus.Counter
	TalkPassTotal     *prometheus.CounterVec // by talk_id
	JobRunsTotal      *prometheus.CounterVec // by type and status
	JobDuration       *prometheus.HistogramVec
	AffinityDecisions *prometheus.CounterVec // by intent and phase
	ForwardRetries    prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SlackEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_slack_events_total",
				Help: "Slack webhook payloads by outcome.",
			},
			[]string{"outcome"},
		),
		IngressDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ingress_decisions_total",
				Help: "Ingress routing decisions by decision and reason.",
			},
			[]string{"decision", "reason"},
		),
		DedupHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_dedup_hits_total",
				Help: "Events answered from the dedup table.",
			},
		),
		TalkPassTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_talk_pass_total",
				Help: "Pass decisions per owning Talk, delegated or gated by behavior.",
			},
			[]string{"talk_id"},
		),
		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_job_runs_total",
				Help: "Job executions by job type and status.",
			},
			[]string{"type", "status"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_job_duration_seconds",
				Help:    "Job execution duration by type.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		AffinityDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_affinity_decisions_total",
				Help: "Tool-affinity selections by intent and phase.",
			},
			[]string{"intent", "phase"},
		),
		ForwardRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_forward_retries_total",
				Help: "Retried host-webhook forwards.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.SlackEventsTotal,
		m.IngressDecisions,
		m.DedupHitsTotal,
		m.TalkPassTotal,
		m.JobRunsTotal,
		m.JobDuration,
		m.AffinityDecisions,
		m.ForwardRetries,
	)

	return m
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
