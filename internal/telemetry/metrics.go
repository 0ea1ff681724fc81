package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency by method, route template,
// and status code.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "openclaw",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// ChatCompletionsTotal counts completed chat requests by provider and tier.
var ChatCompletionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "openclaw",
		Subsystem: "chat",
		Name:      "completions_total",
		Help:      "Total number of chat completions served, by provider and tier.",
	},
	[]string{"provider", "tier", "streaming"},
)

// TokensUsedTotal accumulates approximate prompt/completion tokens consumed.
var TokensUsedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "openclaw",
		Subsystem: "chat",
		Name:      "tokens_total",
		Help:      "Approximate tokens consumed, by provider and direction.",
	},
	[]string{"provider", "direction"},
)

// QuotaRejectionsTotal counts requests rejected for exceeding the daily quota.
var QuotaRejectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "openclaw",
		Subsystem: "quota",
		Name:      "rejections_total",
		Help:      "Total number of requests rejected for exceeding the daily token quota, by tier.",
	},
	[]string{"tier"},
)

// RateLimitRejectionsTotal counts requests rejected by the sliding-window limiter.
var RateLimitRejectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "openclaw",
		Subsystem: "ratelimit",
		Name:      "rejections_total",
		Help:      "Total number of requests rejected by the rate limiter, by bucket.",
	},
	[]string{"bucket"},
)

// StreamDuration tracks the wall-clock duration of streaming chat responses.
var StreamDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "openclaw",
		Subsystem: "chat",
		Name:      "stream_duration_seconds",
		Help:      "Duration of a streaming chat response from open to final frame.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	},
	[]string{"provider", "outcome"},
)

// All returns every OpenClaw-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ChatCompletionsTotal,
		TokensUsedTotal,
		QuotaRejectionsTotal,
		RateLimitRejectionsTotal,
		StreamDuration,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and every OpenClaw-specific collector.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range All() {
		reg.MustRegister(c)
	}
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
