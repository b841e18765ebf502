package streaming

import (
	"bytes"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/vortex/pkg/types"
)

// ChunkParser turns one upstream line into a unified chunk.
// It returns nil, nil for keep-alive or non-content events and nil, io.EOF for
// the provider's end-of-stream marker.
type ChunkParser interface {
	ParseChunk(data []byte) (*types.StreamChunk, error)
}

// upstreamError is the error object several providers embed in stream events.
type upstreamError struct {
	Error json.RawMessage `json:"error"`
}

func (e upstreamError) message() string {
	if len(e.Error) == 0 || bytes.Equal(e.Error, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(e.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(e.Error)
}

func stripData(trimmed []byte) []byte {
	if bytes.HasPrefix(trimmed, []byte("data:")) {
		return bytes.TrimSpace(trimmed[len("data:"):])
	}
	return trimmed
}

// OpenAIParser parses OpenAI SSE stream chunks.
// Format: data: {"id":"...","object":"chat.completion.chunk",...}\n\n
type OpenAIParser struct{}

// ParseChunk implements ChunkParser for OpenAI format.
func (p *OpenAIParser) ParseChunk(data []byte) (*types.StreamChunk, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] == ':' {
		return nil, nil
	}
	if bytes.HasPrefix(trimmed, []byte("event:")) || bytes.HasPrefix(trimmed, []byte("id:")) {
		return nil, nil
	}

	trimmed = stripData(trimmed)
	if bytes.Equal(trimmed, []byte(SSEDone)) {
		return nil, io.EOF
	}

	var ue upstreamError
	if err := json.Unmarshal(trimmed, &ue); err == nil {
		if msg := ue.message(); msg != "" {
			return nil, fmt.Errorf("upstream stream error: %s", msg)
		}
	}

	var chunk types.StreamChunk
	if err := json.Unmarshal(trimmed, &chunk); err != nil {
		return nil, fmt.Errorf("unmarshal openai chunk: %w", err)
	}
	return &chunk, nil
}

// AnthropicParser parses Anthropic SSE stream chunks.
// Format: event: content_block_delta\ndata: {"type":"content_block_delta",...}\n\n
type AnthropicParser struct {
	currentID    string
	currentModel string
}

// ParseChunk implements ChunkParser for Anthropic format.
func (p *AnthropicParser) ParseChunk(data []byte) (*types.StreamChunk, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.HasPrefix(trimmed, []byte("event:")) {
		return nil, nil
	}

	trimmed = stripData(trimmed)
	if bytes.Equal(trimmed, []byte(SSEDone)) {
		return nil, io.EOF
	}

	var event map[string]any
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return nil, nil // Skip unparseable events
	}

	eventType, ok := event["type"].(string)
	if !ok {
		return nil, nil
	}

	switch eventType {
	case "message_start":
		return p.handleMessageStart(event), nil
	case "content_block_delta":
		return p.handleContentDelta(event), nil
	case "message_delta":
		return p.handleMessageDelta(event), nil
	case "message_stop":
		return nil, io.EOF
	case "error":
		msg := "unknown error"
		if e, ok := event["error"].(map[string]any); ok {
			if m, ok := e["message"].(string); ok {
				msg = m
			}
		}
		return nil, fmt.Errorf("anthropic stream error: %s", msg)
	default:
		// content_block_start, content_block_stop, ping
		return nil, nil
	}
}

func (p *AnthropicParser) chunk(delta types.StreamDelta, finish string) *types.StreamChunk {
	return &types.StreamChunk{
		ID:     p.currentID,
		Object: "chat.completion.chunk",
		Model:  p.currentModel,
		Choices: []types.StreamChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finish,
		}},
	}
}

func (p *AnthropicParser) handleMessageStart(event map[string]any) *types.StreamChunk {
	msg, ok := event["message"].(map[string]any)
	if !ok {
		return nil
	}
	if id, ok := msg["id"].(string); ok {
		p.currentID = id
	}
	if model, ok := msg["model"].(string); ok {
		p.currentModel = model
	}
	return p.chunk(types.StreamDelta{Role: "assistant"}, "")
}

func (p *AnthropicParser) handleContentDelta(event map[string]any) *types.StreamChunk {
	delta, ok := event["delta"].(map[string]any)
	if !ok || delta["type"] != "text_delta" {
		return nil
	}
	text, ok := delta["text"].(string)
	if !ok {
		return nil
	}
	return p.chunk(types.StreamDelta{Content: text}, "")
}

func (p *AnthropicParser) handleMessageDelta(event map[string]any) *types.StreamChunk {
	delta, ok := event["delta"].(map[string]any)
	if !ok {
		return nil
	}
	stopReason, ok := delta["stop_reason"].(string)
	if !ok || stopReason == "" {
		return nil
	}
	return p.chunk(types.StreamDelta{}, MapAnthropicStopReason(stopReason))
}

// MapAnthropicStopReason converts an Anthropic stop reason to the OpenAI vocabulary.
func MapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// OllamaParser parses Ollama NDJSON streams from /api/chat and /api/generate.
type OllamaParser struct{}

type ollamaLine struct {
	Model   string `json:"model"`
	Message *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// ParseChunk implements ChunkParser for Ollama format.
func (p *OllamaParser) ParseChunk(data []byte) (*types.StreamChunk, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var line ollamaLine
	if err := json.Unmarshal(trimmed, &line); err != nil {
		return nil, fmt.Errorf("unmarshal ollama line: %w", err)
	}
	if line.Error != "" {
		return nil, fmt.Errorf("ollama stream error: %s", line.Error)
	}

	content := line.Response
	if line.Message != nil {
		content = line.Message.Content
	}

	chunk := &types.StreamChunk{
		Object: "chat.completion.chunk",
		Model:  line.Model,
		Choices: []types.StreamChoice{{
			Index: 0,
			Delta: types.StreamDelta{Content: content},
		}},
	}
	if line.Done {
		reason := line.DoneReason
		if reason == "" {
			reason = "stop"
		}
		chunk.Choices[0].FinishReason = reason
		chunk.Usage = &types.Usage{
			PromptTokens:     line.PromptEvalCount,
			CompletionTokens: line.EvalCount,
			TotalTokens:      line.PromptEvalCount + line.EvalCount,
		}
	}
	return chunk, nil
}

// GetParser returns the appropriate parser for a provider.
func GetParser(providerName string) ChunkParser {
	switch providerName {
	case "anthropic":
		return &AnthropicParser{}
	case "ollama":
		return &OllamaParser{}
	default:
		return &OpenAIParser{}
	}
}
