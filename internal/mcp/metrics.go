package mcp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/blueberrycongee/vortex/internal/metrics"
)

var (
	toolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vortex",
			Name:      "mcp_tool_executions_total",
			Help:      "Total number of MCP tool executions",
		},
		[]string{"asset", "tool", "status"},
	)

	toolLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vortex",
			Name:      "mcp_tool_latency_seconds",
			Help:      "MCP tool execution latency in seconds",
			Buckets:   metrics.LatencyBuckets,
		},
		[]string{"asset", "tool"},
	)

	// sessionState is 1 while a session to the asset is open.
	sessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vortex",
			Name:      "mcp_sessions",
			Help:      "MCP session state per asset (1=connected, 0=disconnected)",
		},
		[]string{"asset"},
	)

	toolsAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vortex",
			Name:      "mcp_tools_available",
			Help:      "Number of tools exposed by an MCP asset",
		},
		[]string{"asset"},
	)
)

func recordToolExecution(assetID, tool, status string, latency time.Duration) {
	id, tool := metrics.SanitizeLabel(assetID), metrics.SanitizeLabel(tool)
	toolExecutions.WithLabelValues(id, tool, status).Inc()
	toolLatency.WithLabelValues(id, tool).Observe(latency.Seconds())
}

func recordConnection(assetID string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	sessionState.WithLabelValues(metrics.SanitizeLabel(assetID)).Set(v)
}

func recordToolsAvailable(assetID string, n int) {
	toolsAvailable.WithLabelValues(metrics.SanitizeLabel(assetID)).Set(float64(n))
}
