package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Pipeline Metrics
// =============================================================================

var (
	// StrategyDuration tracks the time each strategy takes.
	StrategyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "strategy_duration_seconds",
			Help:      "Strategy execution time in seconds",
			Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"strategy"},
	)

	// RateLimitDecisions counts limiter verdicts.
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Total rate limit decisions by algorithm and result",
		},
		[]string{"algorithm", "result"},
	)

	// RateLimiterBackendErrors counts failures of the distributed limiter backend.
	RateLimiterBackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_backend_errors_total",
			Help:      "Total limiter backend errors by applied policy",
		},
		[]string{"action"}, // "fail_open" or "fail_closed"
	)
)

// =============================================================================
// Catalog Metrics
// =============================================================================

var (
	// CatalogAssets tracks the number of published assets.
	CatalogAssets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_assets",
			Help:      "Number of assets in the published catalog",
		},
	)

	// CatalogReloads counts catalog reload attempts.
	CatalogReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_reloads_total",
			Help:      "Total catalog reloads by source and result",
		},
		[]string{"source", "result"},
	)
)

// =============================================================================
// System Health Metrics
// =============================================================================

var (
	// DBConnectionPoolSize tracks database connection pool size.
	DBConnectionPoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connection_pool_size",
			Help:      "Database connection pool size",
		},
		[]string{"pool_type"}, // "active", "idle", "max"
	)

	// HTTPRequestsInFlight tracks currently processing HTTP requests.
	HTTPRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
		[]string{"route"},
	)

	// HTTPRequestDuration tracks HTTP request duration by route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status_code"},
	)
)

// RecordCatalogReload records the outcome of a reload from source.
func RecordCatalogReload(source string, assets int, err error) {
	if err != nil {
		CatalogReloads.WithLabelValues(source, "error").Inc()
		return
	}
	CatalogReloads.WithLabelValues(source, "ok").Inc()
	CatalogAssets.Set(float64(assets))
}
