// Package metrics holds the Prometheus collectors for the gateway.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// LLMBuckets spans typical completion latencies, from 100ms to two minutes.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// ProviderRequestsTotal counts completions dispatched to a provider,
	// labelled by outcome ("ok", "error", "stopped").
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_provider_requests_total",
			Help: "Completions dispatched to providers",
		},
		[]string{"provider", "model", "status"},
	)

	// ProviderLatency records time from dispatch to the terminal chunk.
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgateway_provider_latency_seconds",
			Help:    "Provider completion latency",
			Buckets: LLMBuckets,
		},
		[]string{"provider", "model"},
	)

	// ProviderTokensTotal sums the token counts backends report.
	ProviderTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_provider_tokens_total",
			Help: "Tokens reported by providers",
		},
		[]string{"provider", "model"},
	)

	// ProviderHealthy is 1 when the last health check passed, 0 otherwise.
	ProviderHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_provider_healthy",
			Help: "Provider health from the last check",
		},
		[]string{"provider"},
	)

	// TurnsTotal counts chat turns by final outcome.
	TurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_turns_total",
			Help: "Chat turns by outcome",
		},
		[]string{"outcome"},
	)

	// ActiveStreams tracks turns currently forwarding chunks to a room.
	ActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmgateway_streams_active",
			Help: "Turns currently streaming",
		},
	)

	// CatalogLookupsTotal counts catalog cache hits and misses.
	CatalogLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_catalog_lookups_total",
			Help: "Model catalog cache lookups",
		},
		[]string{"result"},
	)

	// SubscribersDropped counts room subscribers disconnected for falling behind.
	SubscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llmgateway_subscribers_dropped_total",
			Help: "Slow subscribers disconnected from a room",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ProviderRequestsTotal,
		ProviderLatency,
		ProviderTokensTotal,
		ProviderHealthy,
		TurnsTotal,
		ActiveStreams,
		CatalogLookupsTotal,
		SubscribersDropped,
	)
}
