package router

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/vortex/internal/llm"
	"github.com/blueberrycongee/vortex/internal/metrics"
	"github.com/blueberrycongee/vortex/internal/observability"
	"github.com/blueberrycongee/vortex/internal/strategy"
	gwerrors "github.com/blueberrycongee/vortex/pkg/errors"
	"github.com/blueberrycongee/vortex/pkg/types"
)

// Request parameters read by the LLM router.
const (
	ParamStream = "stream"
	ParamPrompt = "prompt"
	ParamModel  = "model"
)

// Metadata keys read from an LLM asset.
const (
	MetaProvider = "provider"
	MetaAPIKey   = "api_key"
	MetaModel    = "model"
)

// LLMConfig configures the LLM router.
type LLMConfig struct {
	Factory   *llm.Factory
	Collector *metrics.Collector
	Tracer    trace.Tracer
}

// LLM serves chat completions from a provider adapter. Responses stream as
// canonical SSE frames unless the caller sets stream=false.
type LLM struct {
	factory   *llm.Factory
	collector *metrics.Collector
	tracer    trace.Tracer
}

// NewLLM creates an LLM router.
func NewLLM(cfg LLMConfig) *LLM {
	r := &LLM{factory: cfg.Factory, collector: cfg.Collector, tracer: cfg.Tracer}
	if r.factory == nil {
		r.factory = llm.NewFactory()
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
func (r *LLM) Name() string { return NameLLM }

// Dispatch implements Router.
func (r *LLM) Dispatch(ctx context.Context, rc *strategy.Context) (Response, error) {
	a := rc.Asset
	meta, err := a.MetadataMap()
	if err != nil {
		return nil, gwerrors.NewInternal("asset metadata", err)
	}
	typ, _ := meta[MetaProvider].(string)
	apiKey, _ := meta[MetaAPIKey].(string)
	model, _ := meta[MetaModel].(string)

	provider, err := r.factory.GetProvider(typ, a.URL(), apiKey, model)
	if err != nil {
		return nil, gwerrors.NewInternal("resolve llm provider", err)
	}

	req, err := chatRequest(rc)
	if err != nil {
		return nil, err
	}
	stream := true
	if v := rc.Param(ParamStream); v != "" {
		if stream, err = strconv.ParseBool(v); err != nil {
			return nil, gwerrors.NewMalformedRequest("invalid %q parameter: %q", ParamStream, v)
		}
	}

	target := provider.Name() + ":" + a.URL()
	ctx, span := observability.StartUpstreamSpan(ctx, r.tracer, NameLLM, target)
	start := time.Now()

	if !stream {
		defer span.End()
		ctx, cancel := context.WithTimeout(ctx, a.TimeoutDuration())
		defer cancel()

		resp, err := provider.Chat(ctx, req)
		if err != nil {
			return nil, r.fail(span, target, start, err)
		}
		r.collector.RecordUpstream(NameLLM, "completed", time.Since(start))
		return &ValueResponse{StatusCode: http.StatusOK, Format: strategy.FormatJSON, Value: resp}, nil
	}

	// The asset timeout bounds stream setup only; an open stream lives
	// until it completes or the client goes away.
	streamCtx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	timer := time.AfterFunc(a.TimeoutDuration(), func() {
		timedOut.Store(true)
		cancel()
	})
	src, err := provider.Stream(streamCtx, req)
	timer.Stop()
	if err == nil && timedOut.Load() {
		_ = src.Close()
		err = context.DeadlineExceeded
	}
	if err != nil {
		cancel()
		defer span.End()
		if timedOut.Load() {
			err = errors.Join(context.DeadlineExceeded, err)
		}
		return nil, r.fail(span, target, start, err)
	}
	r.collector.RecordUpstream(NameLLM, "stream_opened", time.Since(start))

	return &StreamResponse{
		Provider:  provider.Name(),
		Source:    &spanSource{Stream: src, span: span, cancel: cancel},
		Collector: r.collector,
	}, nil
}

// chatRequest decodes a JSON chat request from the body, or builds a single
// user turn from the prompt parameter.
func chatRequest(rc *strategy.Context) (*types.ChatRequest, error) {
	req := &types.ChatRequest{}
	if len(rc.Body) > 0 {
		if err := json.Unmarshal(rc.Body, req); err != nil {
			return nil, gwerrors.NewMalformedRequest("chat request: %v", err)
		}
	} else if prompt := rc.Param(ParamPrompt); prompt != "" {
		req.Messages = []types.ChatMessage{{Role: "user", Content: prompt}}
	}
	if m := rc.Param(ParamModel); m != "" && req.Model == "" {
		req.Model = m
	}
	if err := req.Validate(); err != nil {
		return nil, gwerrors.NewMalformedRequest("chat request: %v", err)
	}
	return req, nil
}

func (r *LLM) fail(span trace.Span, target string, start time.Time, err error) *gwerrors.GatewayError {
	ge := llm.MapError(target, err)
	r.collector.RecordUpstream(NameLLM, string(ge.Kind), time.Since(start))
	observability.RecordError(span, string(ge.Kind), err)
	return ge
}

// spanSource ends the upstream span and releases the stream context when the
// stream is closed.
type spanSource struct {
	llm.Stream
	span   trace.Span
	cancel context.CancelFunc
	once   sync.Once
}

func (s *spanSource) Close() error {
	err := s.Stream.Close()
	s.once.Do(func() {
		s.cancel()
		s.span.End()
	})
	return err
}
