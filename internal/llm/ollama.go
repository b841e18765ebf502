package llm

import (
	"context"
	"net/http"
	"strings"

	"github.com/blueberrycongee/vortex/internal/streaming"
	gwerrors "github.com/blueberrycongee/vortex/pkg/errors"
	"github.com/blueberrycongee/vortex/pkg/types"
)

// DefaultOllamaBaseURL is the default local Ollama endpoint.
const DefaultOllamaBaseURL = "http://localhost:11434"

// Ollama talks to the native /api/chat endpoint, which streams NDJSON.
type Ollama struct {
	transport
	apiKey  string
	baseURL string
}

// NewOllama creates an Ollama adapter. An API key is optional.
func NewOllama(cfg Config) (Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}
	return &Ollama{
		transport: newTransport(TypeOllama, cfg),
		apiKey:    cfg.APIKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// Name implements Provider.
func (p *Ollama) Name() string { return TypeOllama }

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaRequest struct {
	Model    string              `json:"model"`
	Messages []types.ChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  *ollamaOptions      `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (p *Ollama) build(req *types.ChatRequest, stream bool) (*ollamaRequest, error) {
	if err := req.Validate(); err != nil {
		return nil, gwerrors.NewMalformedRequest("chat request: %v", err)
	}
	out := &ollamaRequest{Model: req.Model, Messages: req.Messages, Stream: stream}
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens > 0 || len(req.Stop) > 0 {
		out.Options = &ollamaOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.MaxTokens,
			Stop:        req.Stop,
		}
	}
	return out, nil
}

func (p *Ollama) open(ctx context.Context, body *ollamaRequest) (*http.Response, error) {
	httpReq, err := newJSONRequest(ctx, p.baseURL+"/api/chat", body)
	if err != nil {
		return nil, err
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return p.do(httpReq)
}

// Chat implements Provider.
func (p *Ollama) Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	body, err := p.build(req, false)
	if err != nil {
		return nil, err
	}
	resp, err := p.open(ctx, body)
	if err != nil {
		return nil, err
	}
	var or ollamaResponse
	if err := p.readJSON(resp, &or); err != nil {
		return nil, err
	}
	reason := or.DoneReason
	if reason == "" {
		reason = "stop"
	}
	return &types.ChatResponse{
		Object: "chat.completion",
		Model:  or.Model,
		Choices: []types.Choice{{
			Message:      types.ChatMessage{Role: "assistant", Content: or.Message.Content},
			FinishReason: reason,
		}},
		Usage: &types.Usage{
			PromptTokens:     or.PromptEvalCount,
			CompletionTokens: or.EvalCount,
			TotalTokens:      or.PromptEvalCount + or.EvalCount,
		},
	}, nil
}

// Stream implements Provider.
func (p *Ollama) Stream(ctx context.Context, req *types.ChatRequest) (Stream, error) {
	body, err := p.build(req, true)
	if err != nil {
		return nil, err
	}
	resp, err := p.open(ctx, body)
	if err != nil {
		return nil, err
	}
	return streaming.NewDecoder(resp.Body, &streaming.OllamaParser{}), nil
}
