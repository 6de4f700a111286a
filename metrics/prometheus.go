// Package metrics exposes the router's Prometheus surface: request
// counters, latency and attempt histograms, token counters, and
// per-provider capacity gauges mirroring the Status() snapshot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "routecore"

// LatencyBuckets defines histogram buckets for request latency in
// seconds, spanning sub-10ms cache-like responses out to multi-minute
// streamed completions.
var LatencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.0, 3.0, 5.0, 7.5, 10.0,
	15.0, 30.0, 60.0, 120.0, 300.0,
}

var (
	// RoutedRequests counts completed attempt sequences by provider,
	// priority, and outcome.
	RoutedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routed_requests_total",
			Help:      "Completed routing attempt sequences",
		},
		[]string{"provider", "priority", "outcome"},
	)

	// RequestLatency observes the wall-clock latency of the attempt that
	// settled each request.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Wall-clock latency of the settling attempt",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider"},
	)

	// FallbackDepth observes how many candidates were tried before a
	// request settled. A healthy pool sits at 1.
	FallbackDepth = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fallback_depth",
			Help:      "Candidates tried before a request settled",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 12},
		},
		[]string{"priority"},
	)

	// ProviderRPMUsed mirrors the sliding-window request count per
	// provider.
	ProviderRPMUsed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_rpm_used",
			Help:      "Requests observed in the current sliding window",
		},
		[]string{"provider"},
	)

	// ProviderTPMUsed mirrors the sliding-window token sum per provider.
	ProviderTPMUsed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_tpm_used",
			Help:      "Tokens observed in the current sliding window",
		},
		[]string{"provider"},
	)

	// ProviderHeadroomPct is the minimum of a provider's RPM and TPM
	// headroom, as a percentage.
	ProviderHeadroomPct = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_headroom_pct",
			Help:      "Minimum of RPM and TPM headroom, percent",
		},
		[]string{"provider"},
	)

	// ProviderCircuitOpen is 1 while a provider's circuit is open.
	ProviderCircuitOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_circuit_open",
			Help:      "1 while the provider's circuit is open",
		},
		[]string{"provider"},
	)

	// ProviderAvgLatencyMS is the in-process latency EMA per provider.
	ProviderAvgLatencyMS = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_avg_latency_ms",
			Help:      "Latency EMA per provider, milliseconds",
		},
		[]string{"provider"},
	)
)
