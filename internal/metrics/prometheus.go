// Package metrics provides Prometheus metrics for the gateway. It tracks
// request counts, latencies, token usage, spend, cache effectiveness,
// guardrail outcomes, and deployment health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relaymux"

// LatencyBuckets defines histogram buckets for latency metrics in seconds.
var LatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 1.5, 2.0, 2.5, 3.0, 4.0, 5.0,
	7.5, 10.0, 15.0, 20.0, 30.0, 60.0, 120.0, 300.0,
}

var (
	// ProxyTotalRequests counts completed proxy requests by outcome.
	ProxyTotalRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_total_requests",
			Help:      "Total number of proxy requests",
		},
		[]string{"model", "model_group", "api_provider", "status_code"},
	)

	// ProxyFailedRequests counts failed proxy requests.
	ProxyFailedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_failed_requests",
			Help:      "Total number of failed proxy requests",
		},
		[]string{"model", "model_group", "api_provider", "error_kind"},
	)

	// RequestTotalLatency tracks end-to-end request latency.
	RequestTotalLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_total_latency_seconds",
			Help:      "Total request latency in seconds (end-to-end)",
			Buckets:   LatencyBuckets,
		},
		[]string{"model", "model_group", "api_provider"},
	)

	// UpstreamLatency tracks provider API call latency.
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Provider API call latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"model", "model_group", "api_provider", "api_base"},
	)

	// TimeToFirstToken tracks TTFT for streaming requests.
	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_token_seconds",
			Help:      "Time to first token for streaming requests",
			Buckets:   LatencyBuckets,
		},
		[]string{"model", "model_group", "api_provider"},
	)

	// InputTokens counts prompt tokens.
	InputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_tokens",
			Help:      "Total input tokens",
		},
		[]string{"model", "model_group", "api_provider"},
	)

	// OutputTokens counts completion tokens.
	OutputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_tokens",
			Help:      "Total output tokens",
		},
		[]string{"model", "model_group", "api_provider"},
	)

	// TotalSpend accumulates spend in USD.
	TotalSpend = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_total",
			Help:      "Total spend in USD",
		},
		[]string{"model", "model_group", "api_provider"},
	)

	// CacheHits counts served cache hits.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total cache hits",
		},
		[]string{"model_group"},
	)

	// CacheMisses counts cache misses, including degraded lookups.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total cache misses",
		},
		[]string{"model_group"},
	)

	// GuardrailExecutions counts guardrail runs by outcome.
	GuardrailExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_executions_total",
			Help:      "Guardrail executions by guardrail, mode, and outcome",
		},
		[]string{"guardrail", "mode", "outcome"},
	)

	// RateLimitRejections counts requests rejected by a rate limit scope.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by rate limiting",
		},
		[]string{"scope"},
	)

	// DeploymentCooldowns counts deployments entering cooldown.
	DeploymentCooldowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployment_cooldowns_total",
			Help:      "Times a deployment entered cooldown",
		},
		[]string{"deployment_id", "model_group"},
	)

	// ActiveRequests gauges in-flight requests per deployment.
	ActiveRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "In-flight requests per deployment",
		},
		[]string{"deployment_id", "model_group"},
	)

	// FallbackAttempts counts cross-group fallback attempts.
	FallbackAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_attempts_total",
			Help:      "Fallback attempts by kind (general, context_window, content_policy)",
		},
		[]string{"from_group", "to_group", "kind"},
	)
)
