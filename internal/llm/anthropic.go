package llm

import (
	"context"
	"strings"

	"github.com/blueberrycongee/vortex/internal/streaming"
	gwerrors "github.com/blueberrycongee/vortex/pkg/errors"
	"github.com/blueberrycongee/vortex/pkg/types"
)

const (
	// DefaultAnthropicBaseURL is the default Anthropic API endpoint.
	DefaultAnthropicBaseURL = "https://api.anthropic.com"

	// AnthropicAPIVersion is sent as the anthropic-version header.
	AnthropicAPIVersion = "2023-06-01"

	// DefaultAnthropicMaxTokens is used when the request sets no limit.
	DefaultAnthropicMaxTokens = 4096
)

// Anthropic talks to the Messages API.
type Anthropic struct {
	transport
	apiKey  string
	baseURL string
}

// NewAnthropic creates an Anthropic adapter.
func NewAnthropic(cfg Config) (Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultAnthropicBaseURL
	}
	return &Anthropic{
		transport: newTransport(TypeAnthropic, cfg),
		apiKey:    cfg.APIKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// Name implements Provider.
func (p *Anthropic) Name() string { return TypeAnthropic }

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Metadata      *anthropicMetadata `json:"metadata,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func toAnthropic(req *types.ChatRequest, stream bool) *anthropicRequest {
	out := &anthropicRequest{
		Model:         req.Model,
		MaxTokens:     DefaultAnthropicMaxTokens,
		System:        req.SystemPrompt(),
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        stream,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.User != "" {
		out.Metadata = &anthropicMetadata{UserID: req.User}
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			continue
		}
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		out.Messages = append(out.Messages, anthropicMessage{Role: role, Content: m.Content})
	}
	return out
}

func (p *Anthropic) build(req *types.ChatRequest, stream bool) (*anthropicRequest, error) {
	if err := req.Validate(); err != nil {
		return nil, gwerrors.NewMalformedRequest("chat request: %v", err)
	}
	return toAnthropic(req, stream), nil
}

func (p *Anthropic) send(ctx context.Context, body *anthropicRequest) (*types.ChatResponse, Stream, error) {
	httpReq, err := newJSONRequest(ctx, p.baseURL+"/v1/messages", body)
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", AnthropicAPIVersion)

	resp, err := p.do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	if body.Stream {
		return nil, streaming.NewDecoder(resp.Body, &streaming.AnthropicParser{}), nil
	}

	var ar anthropicResponse
	if err := p.readJSON(resp, &ar); err != nil {
		return nil, nil, err
	}
	var text strings.Builder
	for _, c := range ar.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	return &types.ChatResponse{
		ID:     ar.ID,
		Object: "chat.completion",
		Model:  ar.Model,
		Choices: []types.Choice{{
			Message:      types.ChatMessage{Role: "assistant", Content: text.String()},
			FinishReason: streaming.MapAnthropicStopReason(ar.StopReason),
		}},
		Usage: &types.Usage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		},
	}, nil, nil
}

// Chat implements Provider.
func (p *Anthropic) Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	body, err := p.build(req, false)
	if err != nil {
		return nil, err
	}
	resp, _, err := p.send(ctx, body)
	return resp, err
}

// Stream implements Provider.
func (p *Anthropic) Stream(ctx context.Context, req *types.ChatRequest) (Stream, error) {
	body, err := p.build(req, true)
	if err != nil {
		return nil, err
	}
	_, stream, err := p.send(ctx, body)
	return stream, err
}
