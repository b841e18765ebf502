package llm

import (
	"context"
	"net/http"
	"strings"

	"github.com/blueberrycongee/vortex/internal/streaming"
	gwerrors "github.com/blueberrycongee/vortex/pkg/errors"
	"github.com/blueberrycongee/vortex/pkg/types"
)

// DefaultOpenAIBaseURL is the default OpenAI API endpoint.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI talks to OpenAI and any OpenAI-compatible endpoint.
type OpenAI struct {
	transport
	apiKey  string
	baseURL string
}

// NewOpenAI creates an OpenAI adapter.
func NewOpenAI(cfg Config) (Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	return &OpenAI{
		transport: newTransport(TypeOpenAI, cfg),
		apiKey:    cfg.APIKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// Name implements Provider.
func (p *OpenAI) Name() string { return TypeOpenAI }

func (p *OpenAI) build(req *types.ChatRequest, stream bool) (*types.ChatRequest, error) {
	if err := req.Validate(); err != nil {
		return nil, gwerrors.NewMalformedRequest("chat request: %v", err)
	}
	out := *req
	out.Stream = stream
	return &out, nil
}

// Chat implements Provider.
func (p *OpenAI) Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	body, err := p.build(req, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := newJSONRequest(ctx, p.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	p.authorize(httpReq)

	resp, err := p.do(httpReq)
	if err != nil {
		return nil, err
	}
	var chat types.ChatResponse
	if err := p.readJSON(resp, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// Stream implements Provider.
func (p *OpenAI) Stream(ctx context.Context, req *types.ChatRequest) (Stream, error) {
	body, err := p.build(req, true)
	if err != nil {
		return nil, err
	}

	httpReq, err := newJSONRequest(ctx, p.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	p.authorize(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.do(httpReq)
	if err != nil {
		return nil, err
	}
	return streaming.NewDecoder(resp.Body, &streaming.OpenAIParser{}), nil
}

func (p *OpenAI) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}
