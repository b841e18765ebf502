package router

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/vortex/internal/mcp"
	"github.com/blueberrycongee/vortex/internal/metrics"
	"github.com/blueberrycongee/vortex/internal/observability"
	"github.com/blueberrycongee/vortex/internal/strategy"
	gwerrors "github.com/blueberrycongee/vortex/pkg/errors"
)

// ParamTool names the tool to call when the asset does not fix one.
const ParamTool = "tool"

// ToolsSuffix is the sub path that lists an asset's tools.
const ToolsSuffix = "/tools"

// ToolList is the response of a tool listing.
type ToolList struct {
	Asset string       `json:"asset"`
	Tools []mcpgo.Tool `json:"tools"`
}

// ToolResult is the response of a tool call.
type ToolResult struct {
	Tool    string          `json:"tool"`
	Text    string          `json:"text"`
	IsError bool            `json:"isError"`
	Content []mcpgo.Content `json:"content"`
}

// MCPConfig configures the MCP router.
type MCPConfig struct {
	Pool      *mcp.Pool
	Collector *metrics.Collector
	Tracer    trace.Tracer
}

// MCP forwards requests to Model Context Protocol servers over stdio, SSE or
// streamable HTTP.
type MCP struct {
	pool      *mcp.Pool
	collector *metrics.Collector
	tracer    trace.Tracer
}

// NewMCP creates an MCP router.
func NewMCP(cfg MCPConfig) *MCP {
	m := &MCP{pool: cfg.Pool, collector: cfg.Collector, tracer: cfg.Tracer}
	if m.pool == nil {
		m.pool = mcp.NewPool()
	}
	if m.collector == nil {
		m.collector = metrics.NewCollector()
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(observability.TracerName)
	}
	return m
}

// Name implements Router.
func (m *MCP) Name() string { return NameMCP }

// Pool returns the session pool.
func (m *MCP) Pool() *mcp.Pool { return m.pool }

// Dispatch implements Router. A request whose sub path ends in /tools lists
// the tools; any other request calls one tool.
func (m *MCP) Dispatch(ctx context.Context, rc *strategy.Context) (Response, error) {
	a := rc.Asset
	ctx, cancel := context.WithTimeout(ctx, a.TimeoutDuration())
	defer cancel()

	if strings.HasSuffix(rc.Subpath(), ToolsSuffix) {
		return m.list(ctx, rc)
	}

	meta, err := a.MetadataMap()
	if err != nil {
		return nil, gwerrors.NewInternal("asset metadata", err)
	}
	tool := rc.Param(ParamTool)
	if tool == "" {
		tool, _ = meta[mcp.MetaTool].(string)
	}
	if tool == "" {
		return nil, gwerrors.NewMalformedRequest("missing %q parameter", ParamTool)
	}
	args, err := toolArguments(rc)
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartUpstreamSpan(ctx, m.tracer, NameMCP, a.ID+"/"+tool)
	defer span.End()
	start := time.Now()

	res, err := m.pool.CallTool(ctx, a, tool, args)
	if err != nil {
		return nil, m.fail(ctx, span, a.ID, start, err)
	}
	m.collector.RecordUpstream(NameMCP, "called", time.Since(start))
	return &ValueResponse{
		StatusCode: http.StatusOK,
		Format:     strategy.FormatJSON,
		Value:      ToolResult{Tool: tool, Text: mcp.ResultText(res), IsError: res.IsError, Content: res.Content},
	}, nil
}

func (m *MCP) list(ctx context.Context, rc *strategy.Context) (Response, error) {
	a := rc.Asset
	ctx, span := observability.StartUpstreamSpan(ctx, m.tracer, NameMCP, a.ID+ToolsSuffix)
	defer span.End()
	start := time.Now()

	tools, err := m.pool.ListTools(ctx, a)
	if err != nil {
		return nil, m.fail(ctx, span, a.ID, start, err)
	}
	m.collector.RecordUpstream(NameMCP, "listed", time.Since(start))
	return &ValueResponse{
		StatusCode: http.StatusOK,
		Format:     strategy.FormatJSON,
		Value:      ToolList{Asset: a.ID, Tools: tools},
	}, nil
}

// toolArguments takes a JSON object body as the arguments, or else the
// forwarded request parameters.
func toolArguments(rc *strategy.Context) (map[string]any, error) {
	if len(rc.Body) > 0 {
		var args map[string]any
		if err := json.Unmarshal(rc.Body, &args); err != nil {
			return nil, gwerrors.NewMalformedRequest("tool arguments must be a JSON object: %v", err)
		}
		return args, nil
	}
	params := rc.ForwardParams()
	delete(params, ParamTool)
	args := make(map[string]any, len(params))
	for k := range params {
		args[k] = params.Get(k)
	}
	return args, nil
}

func (m *MCP) fail(ctx context.Context, span trace.Span, target string, start time.Time, err error) *gwerrors.GatewayError {
	var ge *gwerrors.GatewayError
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		ge = gwerrors.NewUpstreamTimeout(target).WithCause(err)
	} else {
		ge = gwerrors.NewUpstreamUnavailable(target, err)
	}
	m.collector.RecordUpstream(NameMCP, string(ge.Kind), time.Since(start))
	observability.RecordError(span, string(ge.Kind), err)
	return ge
}
