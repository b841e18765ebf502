// Package metrics provides Prometheus metrics collection for the gateway.
// It tracks dispatched requests, upstream calls, streams and replica health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "vortex"
)

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.005, 0.0125, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 1.5, 2.0, 3.0, 5.0, 7.5, 10.0,
	15.0, 20.0, 30.0, 60.0, 120.0, 300.0,
}

// =============================================================================
// Request Metrics
// =============================================================================

var (
	// GatewayRequests counts dispatched requests by route prefix, asset mode and outcome.
	// errcode is "OK" for successful requests.
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Total number of dispatched gateway requests",
		},
		[]string{"prefix", "mode", "errcode"},
	)

	// GatewayLatency tracks end-to-end dispatch latency.
	GatewayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_latency_seconds",
			Help:      "End-to-end gateway request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"prefix", "mode"},
	)

	// OverheadLatency tracks time spent in the strategy chain before routing.
	OverheadLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "overhead_latency_seconds",
			Help:      "Gateway processing overhead before the upstream call",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"prefix"},
	)
)

// =============================================================================
// Upstream Metrics
// =============================================================================

var (
	// UpstreamRequests counts calls made by routers, per attempt.
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total upstream calls by router and outcome",
		},
		[]string{"router", "outcome"},
	)

	// UpstreamLatency tracks a single upstream attempt.
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream call latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"router"},
	)

	// UpstreamRetries counts retry attempts.
	UpstreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Total upstream retry attempts",
		},
		[]string{"router"},
	)
)

// =============================================================================
// Streaming Metrics
// =============================================================================

var (
	// StreamsActive tracks open client streams.
	StreamsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of streams currently being pumped",
		},
		[]string{"provider"},
	)

	// StreamFrames counts delta frames written to clients.
	StreamFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Total delta frames written to clients",
		},
		[]string{"provider"},
	)

	// TimeToFirstToken tracks TTFT for streaming requests.
	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_token_seconds",
			Help:      "Time to first token for streaming requests",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider"},
	)

	// StreamOutcomes counts how streams ended: done, error or disconnect.
	StreamOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_outcomes_total",
			Help:      "Total finished streams by outcome",
		},
		[]string{"provider", "outcome"},
	)
)
