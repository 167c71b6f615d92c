package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the trace pipeline.
//
// All metrics register with the supplied registry so tests can use an
// isolated one. The serve command exposes them at /metrics.
type Metrics struct {
	// ProxyRequests counts proxied upstream requests.
	// Labels: provider (openai|anthropic), path, status_class (2xx|4xx|5xx)
	ProxyRequests *prometheus.CounterVec

	// LLMCallDuration measures upstream call latency in seconds.
	// Labels: provider, model
	LLMCallDuration *prometheus.HistogramVec

	// LLMTokens tracks token consumption observed in responses.
	// Labels: provider, model, type (prompt|completion)
	LLMTokens *prometheus.CounterVec

	// ResolverLookups counts session resolver outcomes.
	// Labels: outcome (created|hit|miss|expired)
	ResolverLookups *prometheus.CounterVec

	// EventsIngested counts events applied to the trace store, by name.
	EventsIngested *prometheus.CounterVec

	// SessionsCompleted counts sessions marked complete by the monitor.
	SessionsCompleted prometheus.Counter

	// AnalysisRuns counts behavioral analysis runs.
	// Labels: status (completed|failed)
	AnalysisRuns *prometheus.CounterVec

	// StoreQueryDuration measures trace store operation latency in seconds.
	// Labels: operation
	StoreQueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the given registerer.
// Pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ProxyRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "argus_proxy_requests_total",
				Help: "Proxied upstream LLM requests by provider, path and status class.",
			},
			[]string{"provider", "path", "status_class"},
		),
		LLMCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "argus_llm_call_duration_seconds",
				Help:    "Upstream LLM call latency.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "argus_llm_tokens_total",
				Help: "Token consumption observed in upstream responses.",
			},
			[]string{"provider", "model", "type"},
		),
		ResolverLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "argus_resolver_lookups_total",
				Help: "Session resolver outcomes.",
			},
			[]string{"outcome"},
		),
		EventsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "argus_events_ingested_total",
				Help: "Events applied to the trace store by event name.",
			},
			[]string{"name"},
		),
		SessionsCompleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "argus_sessions_completed_total",
				Help: "Sessions marked complete by the session monitor.",
			},
		),
		AnalysisRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "argus_analysis_runs_total",
				Help: "Behavioral analysis runs by final status.",
			},
			[]string{"status"},
		),
		StoreQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "argus_store_query_duration_seconds",
				Help:    "Trace store operation latency.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),
	}
}
