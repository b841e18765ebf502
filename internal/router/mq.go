package router

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/vortex/internal/metrics"
	"github.com/blueberrycongee/vortex/internal/observability"
	"github.com/blueberrycongee/vortex/internal/strategy"
	"github.com/blueberrycongee/vortex/pkg/asset"
	gwerrors "github.com/blueberrycongee/vortex/pkg/errors"
)

// Broker carries MQ envelopes. Implementations must be safe for concurrent use.
type Broker interface {
	Name() string
	Publish(ctx context.Context, subject string, data []byte) error
	// Request publishes data and waits for a single message on replyTo.
	Request(ctx context.Context, subject, replyTo string, data []byte) ([]byte, error)
	Close() error
}

// Envelope is the message published for one gateway request.
type Envelope struct {
	ID        string              `json:"id"`
	Method    string              `json:"method"`
	Version   string              `json:"version"`
	Channel   string              `json:"channel,omitempty"`
	Timestamp int64               `json:"timestamp"`
	ReplyTo   string              `json:"reply_to,omitempty"`
	Params    map[string][]string `json:"params,omitempty"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
}

// Ack is returned to the caller of a fire-and-acknowledge publish.
type Ack struct {
	XMLName xml.Name `json:"-" xml:"ack"`
	ID      string   `json:"id" xml:"id"`
	Subject string   `json:"subject" xml:"subject"`
	Status  string   `json:"status" xml:"status"`
}

// DefaultReplyPrefix prefixes the reply subject of request/reply calls.
const DefaultReplyPrefix = "vortex.reply."

// MQConfig configures the MQ router.
type MQConfig struct {
	Broker      Broker
	ReplyPrefix string
	Collector   *metrics.Collector
	Tracer      trace.Tracer
	Now         func() time.Time
}

// MQ publishes requests as envelopes to a message broker.
type MQ struct {
	broker      Broker
	replyPrefix string
	collector   *metrics.Collector
	tracer      trace.Tracer
	now         func() time.Time
}

// NewMQ creates an MQ router.
func NewMQ(cfg MQConfig) *MQ {
	m := &MQ{
		broker:      cfg.Broker,
		replyPrefix: cfg.ReplyPrefix,
		collector:   cfg.Collector,
		tracer:      cfg.Tracer,
		now:         cfg.Now,
	}
	if m.replyPrefix == "" {
		m.replyPrefix = DefaultReplyPrefix
	}
	if m.collector == nil {
		m.collector = metrics.NewCollector()
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(observability.TracerName)
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Name implements Router.
func (m *MQ) Name() string { return NameMQ }

// Subject returns where messages for a are published: metadata "subject",
// then the asset path, then the method name.
func Subject(a *asset.Asset, meta map[string]any) string {
	if s, ok := meta["subject"].(string); ok && s != "" {
		return s
	}
	if p := strings.Trim(a.Path, "/"); p != "" {
		return p
	}
	return a.Method
}

func metaBool(meta map[string]any, key string) bool {
	switch v := meta[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true") || v == "1"
	case float64:
		return v != 0
	}
	return false
}

// Dispatch implements Router.
func (m *MQ) Dispatch(ctx context.Context, rc *strategy.Context) (Response, error) {
	if m.broker == nil {
		return nil, gwerrors.NewUpstreamUnavailable(NameMQ, errors.New("no message broker configured"))
	}
	a := rc.Asset
	meta, err := a.MetadataMap()
	if err != nil {
		return nil, gwerrors.NewInternal("asset metadata", err)
	}
	subject := Subject(a, meta)
	reply := metaBool(meta, "reply")

	env, err := m.envelope(rc)
	if err != nil {
		return nil, err
	}
	if reply {
		env.ReplyTo = m.replyPrefix + env.ID
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, gwerrors.NewInternal("encode envelope", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.TimeoutDuration())
	defer cancel()
	target := m.broker.Name() + ":" + subject
	ctx, span := observability.StartUpstreamSpan(ctx, m.tracer, NameMQ, target)
	defer span.End()
	start := time.Now()

	if !reply {
		if err := m.broker.Publish(ctx, subject, data); err != nil {
			return nil, m.fail(ctx, span, target, start, err)
		}
		m.collector.RecordUpstream(NameMQ, "published", time.Since(start))
		rc.Logger.Debug("message published", "subject", subject, "message_id", env.ID)
		return &ValueResponse{
			StatusCode: http.StatusAccepted,
			Format:     rc.Format,
			Value:      Ack{ID: env.ID, Subject: subject, Status: "accepted"},
		}, nil
	}

	body, err := m.broker.Request(ctx, subject, env.ReplyTo, data)
	if err != nil {
		return nil, m.fail(ctx, span, target, start, err)
	}
	m.collector.RecordUpstream(NameMQ, "replied", time.Since(start))

	contentType := "application/octet-stream"
	if json.Valid(body) {
		contentType = "application/json"
	}
	return &BytesResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {contentType}, "X-Message-Id": {env.ID}},
		Body:       body,
	}, nil
}

func (m *MQ) envelope(rc *strategy.Context) (*Envelope, error) {
	env := &Envelope{
		ID:        uuid.NewString(),
		Method:    rc.Method,
		Version:   rc.Version,
		Channel:   rc.Channel,
		Timestamp: m.now().UnixMilli(),
	}
	if params := rc.ForwardParams(); len(params) > 0 {
		env.Params = params
	}
	switch {
	case len(rc.Body) == 0:
	case json.Valid(rc.Body):
		env.Payload = json.RawMessage(rc.Body)
	default:
		raw, err := json.Marshal(string(rc.Body))
		if err != nil {
			return nil, gwerrors.NewMalformedRequest("payload: %v", err)
		}
		env.Payload = raw
	}
	return env, nil
}

func (m *MQ) fail(ctx context.Context, span trace.Span, target string, start time.Time, err error) *gwerrors.GatewayError {
	var ge *gwerrors.GatewayError
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		ge = gwerrors.NewUpstreamTimeout(target).WithCause(err)
	} else {
		ge = gwerrors.NewUpstreamUnavailable(target, fmt.Errorf("mq: %w", err))
	}
	m.collector.RecordUpstream(NameMQ, string(ge.Kind), time.Since(start))
	observability.RecordError(span, string(ge.Kind), err)
	return ge
}
