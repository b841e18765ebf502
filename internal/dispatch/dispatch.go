// Package dispatch is the entry point of routed traffic. It runs the strategy
// chain bound to the request path, hands the request to the router selected
// by (prefix, asset mode) and is the only place that writes error responses.
package dispatch

import (
	"context"
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/vortex/internal/httputil"
	"github.com/blueberrycongee/vortex/internal/metrics"
	"github.com/blueberrycongee/vortex/internal/observability"
	"github.com/blueberrycongee/vortex/internal/router"
	"github.com/blueberrycongee/vortex/internal/strategy"
	gwerrors "github.com/blueberrycongee/vortex/pkg/errors"
)

// ErrorBody is the wire form of a failed request.
type ErrorBody struct {
	XMLName xml.Name `json:"-" xml:"error"`
	Code    string   `json:"errcode" xml:"errcode"`
	Message string   `json:"errmsg" xml:"errmsg"`
}

// Config wires a Dispatcher.
type Config struct {
	Strategies *strategy.Factory
	Routers    *router.Table
	Collector  *metrics.Collector
	Tracer     trace.Tracer
	Logger     *slog.Logger
	// DefaultFormat applies to errors raised before the format is settled.
	DefaultFormat string
}

// Dispatcher serves every path registered in the strategy factory.
type Dispatcher struct {
	strategies    *strategy.Factory
	routers       *router.Table
	collector     *metrics.Collector
	tracer        trace.Tracer
	logger        *slog.Logger
	defaultFormat string
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		strategies:    cfg.Strategies,
		routers:       cfg.Routers,
		collector:     cfg.Collector,
		tracer:        cfg.Tracer,
		logger:        cfg.Logger,
		defaultFormat: cfg.DefaultFormat,
	}
	if d.strategies == nil {
		d.strategies = strategy.NewFactory()
	}
	if d.routers == nil {
		d.routers = router.NewTable()
	}
	if d.collector == nil {
		d.collector = metrics.NewCollector()
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(observability.TracerName)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.defaultFormat == "" {
		d.defaultFormat = strategy.FormatJSON
	}
	return d
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, requestID := observability.EnsureRequestID(r)
	w.Header().Set(observability.RequestIDHeader, requestID)

	chain, prefix, ok := d.strategies.Resolve(r.URL.Path)
	if !ok {
		d.writeError(w, d.defaultFormat, gwerrors.NewUnknownPath(r.URL.Path))
		return
	}

	ctx, span := observability.StartDispatchSpan(ctx, d.tracer, r.Header, observability.DispatchSpanAttributes{
		RequestID: requestID,
		Prefix:    prefix,
	})
	defer span.End()

	r = r.WithContext(ctx)
	rc := strategy.NewContext(r, prefix, requestID)
	rc.StartTime = start
	rc.Logger = d.logger.With("request_id", requestID, "prefix", prefix)

	m := &metrics.RequestMetrics{Prefix: prefix, StartTime: start}
	defer func() {
		m.EndTime = time.Now()
		d.collector.RecordRequest(m)
	}()

	if err := chain.Run(ctx, rc); err != nil {
		d.fail(w, rc, span, m, err)
		return
	}
	observability.RecordMethod(span, rc.Method, rc.Version)

	a := rc.Asset
	if a == nil {
		d.fail(w, rc, span, m, gwerrors.NewInternal("strategy chain resolved no asset", nil))
		return
	}
	m.Mode = string(a.Mode)
	observability.RecordAsset(span, a.ID, string(a.Mode))
	rc.Logger = rc.Logger.With("asset", a.ID, "mode", a.Mode)
	setRateLimitHeaders(w, rc)

	rt, err := d.routers.Resolve(rc)
	if err != nil {
		d.fail(w, rc, span, m, err)
		return
	}

	m.Overhead = time.Since(start)
	resp, err := rt.Dispatch(ctx, rc)
	if err != nil {
		d.fail(w, rc, span, m, err)
		return
	}

	renderErr := resp.Render(ctx, w)
	if s, ok := resp.(*router.StreamResponse); ok {
		stats := s.Stats()
		m.Streaming = true
		m.Provider = s.Provider
		m.Frames = stats.Frames
		m.TTFT = stats.FirstToken
		m.StreamOutcome = s.Outcome()
		if s.Outcome() == router.StreamError {
			ge := gwerrors.From(renderErr)
			m.ErrCode = string(ge.Kind)
			observability.RecordError(span, string(ge.Kind), renderErr)
		}
	}
	if renderErr != nil {
		level := slog.LevelWarn
		if errors.Is(renderErr, context.Canceled) {
			level = slog.LevelDebug
		}
		rc.Logger.Log(ctx, level, "write response failed", "router", rt.Name(), "error", renderErr)
		return
	}

	rc.Logger.Debug("request dispatched",
		"router", rt.Name(),
		"overhead", m.Overhead,
		"duration", time.Since(start),
	)
}

// fail writes err in the negotiated format. Client errors are logged at debug
// level; failures of the gateway or an upstream at warn.
func (d *Dispatcher) fail(w http.ResponseWriter, rc *strategy.Context, span trace.Span, m *metrics.RequestMetrics, err error) {
	ge := gwerrors.From(err)
	m.ErrCode = string(ge.Kind)
	observability.RecordError(span, string(ge.Kind), err)

	args := []any{"errcode", ge.Kind, "status", ge.HTTPStatusCode(), "error", err}
	if ge.HTTPStatusCode() >= http.StatusInternalServerError {
		rc.Logger.Warn("request failed", args...)
	} else {
		rc.Logger.Debug("request rejected", args...)
	}

	if ge.Kind == gwerrors.KindRateLimitExceeded {
		setRateLimitHeaders(w, rc)
		if rc.Verdict != nil && !rc.Verdict.ResetAt.IsZero() {
			secs := int(time.Until(rc.Verdict.ResetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		}
	}
	d.writeError(w, strategy.ResolveFormat(rc, d.defaultFormat), ge)
}

func (d *Dispatcher) writeError(w http.ResponseWriter, format string, ge *gwerrors.GatewayError) {
	body := ErrorBody{Code: string(ge.Kind), Message: ge.Message}
	if err := httputil.WriteFormat(w, ge.HTTPStatusCode(), format, body); err != nil {
		d.logger.Debug("write error response", "error", err)
	}
}

func setRateLimitHeaders(w http.ResponseWriter, rc *strategy.Context) {
	v := rc.Verdict
	if v == nil || v.Limit <= 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(v.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(v.Remaining, 0)))
	if !v.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(v.ResetAt.Unix(), 10))
	}
}
