package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/vortex/internal/httputil"
	"github.com/blueberrycongee/vortex/internal/metrics"
	"github.com/blueberrycongee/vortex/internal/observability"
	"github.com/blueberrycongee/vortex/internal/strategy"
	"github.com/blueberrycongee/vortex/pkg/asset"
	gwerrors "github.com/blueberrycongee/vortex/pkg/errors"
)

// strippedRequestHeaders are consumed by the gateway and never forwarded.
var strippedRequestHeaders = []string{
	"Host",
	"Content-Length",
	"Content-Type",
	"Authorization",
	strategy.HeaderAccessToken,
}

// RESTConfig configures the REST router.
type RESTConfig struct {
	Client           *http.Client
	Balancer         *Balancer
	MaxResponseBytes int64
	Collector        *metrics.Collector
	Tracer           trace.Tracer
}

// REST forwards requests to HTTP backends. It balances across replicas,
// retries idempotent calls and enforces the asset timeout across attempts.
type REST struct {
	client    *http.Client
	balancer  *Balancer
	maxBytes  int64
	collector *metrics.Collector
	tracer    trace.Tracer
}

// NewREST creates a REST router.
func NewREST(cfg RESTConfig) *REST {
	r := &REST{
		client:    cfg.Client,
		balancer:  cfg.Balancer,
		maxBytes:  cfg.MaxResponseBytes,
		collector: cfg.Collector,
		tracer:    cfg.Tracer,
	}
	if r.client == nil {
		r.client = &http.Client{}
	}
	if r.balancer == nil {
		r.balancer = NewBalancer(DefaultCooldownPeriod)
	}
	if r.maxBytes == 0 {
		r.maxBytes = httputil.DefaultMaxResponseBodyBytes
	}
	if r.collector == nil {
		r.collector = metrics.NewCollector()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(observability.TracerName)
	}
	return r
}

// Name implements Router.
func (r *REST) Name() string { return NameREST }

// retryableStatus reports whether a gateway-class upstream status may be retried.
func retryableStatus(code int) bool {
	return code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}

// Dispatch implements Router.
func (r *REST) Dispatch(ctx context.Context, rc *strategy.Context) (Response, error) {
	a := rc.Asset
	replicas := rc.Replicas
	if len(replicas) == 0 {
		replicas = []*asset.Asset{a}
	}

	ctx, cancel := context.WithTimeout(ctx, a.TimeoutDuration())
	defer cancel()
	// Replica health is recorded even when the request deadline is gone.
	report := context.WithoutCancel(ctx)

	attempts := 1
	if a.Type.Idempotent() && a.Retries > 0 {
		attempts += a.Retries
	}

	tried := make(map[string]bool, attempts)
	var (
		lastResp *BytesResponse
		lastErr  error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			r.collector.RecordRetry(NameREST)
			rc.Logger.Debug("retrying upstream call", "attempt", attempt+1, "max_attempts", attempts)
		}

		replica, err := r.balancer.Pick(ctx, replicas, a.Balance, tried)
		if err != nil {
			switch {
			case lastResp != nil:
				return lastResp, nil
			case lastErr != nil:
				return nil, lastErr
			}
			return nil, err
		}
		tried[replica.ID] = true

		resp, err := r.call(ctx, rc, replica)
		if err != nil {
			if gwerrors.KindOf(err) != gwerrors.KindUpstreamUnavailable {
				return nil, err
			}
			r.balancer.ReportCallFailure(report, replicas, replica, 0)
			lastResp, lastErr = nil, err
			continue
		}

		if retryableStatus(resp.StatusCode) && attempt+1 < attempts {
			r.balancer.ReportCallFailure(report, replicas, replica, resp.StatusCode)
			lastResp, lastErr = resp, nil
			continue
		}
		if gwerrors.IsCooldownRequired(resp.StatusCode) {
			r.balancer.ReportCallFailure(report, replicas, replica, resp.StatusCode)
		} else {
			r.balancer.ReportSuccess(report, replica)
		}
		return resp, nil
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

func (r *REST) call(ctx context.Context, rc *strategy.Context, replica *asset.Asset) (*BytesResponse, error) {
	target := replica.URL()
	start := time.Now()
	ctx, span := observability.StartUpstreamSpan(ctx, r.tracer, NameREST, target)
	defer span.End()

	req, err := r.newRequest(ctx, rc, replica)
	if err != nil {
		ge := gwerrors.NewInternal("build upstream request", err)
		observability.RecordError(span, string(ge.Kind), err)
		return nil, ge
	}

	resp, err := r.client.Do(req)
	if err != nil {
		ge := classifyTransport(ctx, target, err)
		r.collector.RecordUpstream(NameREST, string(ge.Kind), time.Since(start))
		observability.RecordError(span, string(ge.Kind), err)
		return nil, ge
	}
	defer resp.Body.Close()

	body, err := httputil.ReadLimitedBody(resp.Body, r.maxBytes)
	if err != nil {
		var ge *gwerrors.GatewayError
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			ge = gwerrors.NewProtocolError(fmt.Sprintf("upstream response exceeds %d bytes", r.maxBytes), err)
		} else {
			ge = classifyTransport(ctx, target, err)
		}
		r.collector.RecordUpstream(NameREST, string(ge.Kind), time.Since(start))
		observability.RecordError(span, string(ge.Kind), err)
		return nil, ge
	}

	span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
	r.collector.RecordUpstream(NameREST, statusClass(resp.StatusCode), time.Since(start))

	header := make(http.Header, len(resp.Header))
	httputil.CopyHeaders(header, resp.Header, "Content-Length")
	return &BytesResponse{StatusCode: resp.StatusCode, Header: header, Body: body}, nil
}

func (r *REST) newRequest(ctx context.Context, rc *strategy.Context, replica *asset.Asset) (*http.Request, error) {
	u, err := url.Parse(replica.URL())
	if err != nil {
		return nil, fmt.Errorf("asset %s url: %w", replica.ID, err)
	}
	if sub := rc.Subpath(); sub != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/") + sub
	}

	verb := string(replica.Type)
	if verb == "" {
		verb = http.MethodGet
	}
	params := rc.ForwardParams()

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case len(rc.Body) > 0:
		body = bytes.NewReader(rc.Body)
		if rc.Request != nil {
			contentType = rc.Request.Header.Get("Content-Type")
		}
		u.RawQuery = params.Encode()
	case verb == http.MethodPost || verb == http.MethodPut || verb == http.MethodPatch:
		body = strings.NewReader(params.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		u.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, verb, u.String(), body)
	if err != nil {
		return nil, err
	}
	if rc.Request != nil {
		httputil.CopyHeaders(req.Header, rc.Request.Header, strippedRequestHeaders...)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set(observability.RequestIDHeader, rc.RequestID)
	if rc.ClientIP != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+rc.ClientIP)
		} else {
			req.Header.Set("X-Forwarded-For", rc.ClientIP)
		}
	}
	observability.InjectHeaders(ctx, req.Header)
	return req, nil
}

// classifyTransport maps a failed round trip onto the error taxonomy.
func classifyTransport(ctx context.Context, target string, err error) *gwerrors.GatewayError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return gwerrors.NewUpstreamTimeout(target).WithCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gwerrors.NewUpstreamTimeout(target).WithCause(err)
	}
	return gwerrors.NewUpstreamUnavailable(target, err)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
