// Package metrics holds the gateway's Prometheus collectors. Collectors are
// package-level promauto vars so any layer can record without plumbing a
// registry through constructors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hadrian_requests_total",
			Help: "Total LLM requests by provider and outcome status",
		},
		[]string{"provider", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hadrian_request_duration_seconds",
			Help:    "Upstream request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hadrian_retries_total",
			Help: "Retry attempts by provider",
		},
		[]string{"provider"},
	)

	FailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hadrian_failovers_total",
			Help: "Fallback hops from one provider to the next",
		},
		[]string{"from", "to"},
	)

	// CircuitState reports 0 closed, 1 half-open, 2 open.
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hadrian_circuit_state",
			Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
		},
		[]string{"provider"},
	)

	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hadrian_cache_hits_total",
			Help: "Response cache hits",
		},
	)

	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hadrian_cache_misses_total",
			Help: "Response cache misses",
		},
	)

	StreamOverflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hadrian_stream_overflows_total",
			Help: "Streaming transforms aborted for exceeding the input buffer limit",
		},
		[]string{"provider"},
	)

	BedrockProfileFallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hadrian_bedrock_profile_fallback_total",
			Help: "Bedrock inference-profile resolutions that fell back to the raw model id",
		},
	)

	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hadrian_events_dropped_total",
			Help: "Event bus messages dropped on slow subscribers",
		},
		[]string{"topic"},
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hadrian_ws_connections",
			Help: "Active WebSocket event subscribers",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hadrian_http_requests_total",
			Help: "Inbound HTTP requests by method, route pattern and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hadrian_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hadrian_tokens_total",
			Help: "Tokens processed by provider and direction",
		},
		[]string{"provider", "direction"},
	)
)
