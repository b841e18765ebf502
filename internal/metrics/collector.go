package metrics

import (
	"time"
)

// RequestMetrics contains metrics for a single dispatched request.
type RequestMetrics struct {
	Prefix string
	Mode   string
	// ErrCode is the error kind, empty on success.
	ErrCode string

	StartTime time.Time
	EndTime   time.Time
	// Overhead is the time spent before the router was invoked.
	Overhead time.Duration

	Streaming bool
	Provider  string
	Frames    int
	TTFT      time.Duration
	// StreamOutcome is "done", "error" or "disconnect".
	StreamOutcome string
}

// Collector provides methods to record metrics.
type Collector struct{}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordRequest records all metrics for a completed request.
func (c *Collector) RecordRequest(m *RequestMetrics) {
	prefix := SanitizeLabel(m.Prefix)
	mode := SanitizeLabel(m.Mode)
	code := m.ErrCode
	if code == "" {
		code = "OK"
	}

	GatewayRequests.WithLabelValues(prefix, mode, code).Inc()
	if !m.EndTime.IsZero() {
		GatewayLatency.WithLabelValues(prefix, mode).Observe(m.EndTime.Sub(m.StartTime).Seconds())
	}
	if m.Overhead > 0 {
		OverheadLatency.WithLabelValues(prefix).Observe(m.Overhead.Seconds())
	}

	if !m.Streaming {
		return
	}
	provider := SanitizeLabel(m.Provider)
	if m.Frames > 0 {
		StreamFrames.WithLabelValues(provider).Add(float64(m.Frames))
	}
	if m.TTFT > 0 {
		TimeToFirstToken.WithLabelValues(provider).Observe(m.TTFT.Seconds())
	}
	if m.StreamOutcome != "" {
		StreamOutcomes.WithLabelValues(provider, m.StreamOutcome).Inc()
	}
}

// RecordUpstream records one upstream attempt.
func (c *Collector) RecordUpstream(router, outcome string, latency time.Duration) {
	UpstreamRequests.WithLabelValues(router, outcome).Inc()
	UpstreamLatency.WithLabelValues(router).Observe(latency.Seconds())
}

// RecordRetry records a retry attempt.
func (c *Collector) RecordRetry(router string) {
	UpstreamRetries.WithLabelValues(router).Inc()
}

// RecordActiveStream increments/decrements the active stream count.
func (c *Collector) RecordActiveStream(provider string, delta float64) {
	StreamsActive.WithLabelValues(SanitizeLabel(provider)).Add(delta)
}
