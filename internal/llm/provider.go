// Package llm defines the interface for LLM provider adapters and a factory
// that caches one adapter per upstream endpoint and credential.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/vortex/internal/httputil"
	"github.com/blueberrycongee/vortex/internal/streaming"
	gwerrors "github.com/blueberrycongee/vortex/pkg/errors"
	"github.com/blueberrycongee/vortex/pkg/types"
)

// Provider is a chat-capable upstream.
type Provider interface {
	// Name returns the provider type (e.g. "openai", "anthropic").
	Name() string

	// Chat performs a non-streaming completion.
	Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)

	// Stream starts a streaming completion. The caller must Close the stream.
	Stream(ctx context.Context, req *types.ChatRequest) (Stream, error)
}

// Stream yields chunks until io.EOF.
type Stream = streaming.Source

// Config contains the settings an adapter is built from.
type Config struct {
	Type    string
	BaseURL string
	APIKey  string
	Client  *http.Client
	// MaxResponseBytes caps non-streaming response bodies. Zero means no cap.
	MaxResponseBytes int64
}

// Constructor builds a provider from config.
type Constructor func(cfg Config) (Provider, error)

// Provider types.
const (
	TypeOpenAI    = "openai"
	TypeAnthropic = "anthropic"
	TypeOllama    = "ollama"
)

// StatusError is a non-2xx answer from a provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// upstreamErrorMessage extracts {"error":{"message":...}} or {"error":"..."}.
func upstreamErrorMessage(body []byte) string {
	var obj struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &obj); err == nil && len(obj.Error) > 0 {
		var s string
		if json.Unmarshal(obj.Error, &s) == nil && s != "" {
			return s
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(obj.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	if msg == "" {
		msg = "empty response body"
	}
	return msg
}

// MapError converts a provider failure into the gateway taxonomy.
func MapError(target string, err error) *gwerrors.GatewayError {
	if err == nil {
		return nil
	}
	var ge *gwerrors.GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusRequestTimeout || se.StatusCode == http.StatusGatewayTimeout:
			return gwerrors.NewUpstreamTimeout(target).WithCause(err)
		case gwerrors.IsCooldownRequired(se.StatusCode):
			return gwerrors.NewUpstreamUnavailable(target, err)
		default:
			return gwerrors.NewProtocolError(fmt.Sprintf("%s rejected request: %s", target, se.Message), err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return gwerrors.NewUpstreamTimeout(target).WithCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gwerrors.NewUpstreamTimeout(target).WithCause(err)
	}
	if errors.Is(err, httputil.ErrBodyTooLarge) {
		return gwerrors.NewProtocolError("upstream response too large", err)
	}
	return gwerrors.NewUpstreamUnavailable(target, err)
}

// transport is the HTTP plumbing shared by the adapters.
type transport struct {
	name     string
	client   *http.Client
	maxBytes int64
}

func newTransport(name string, cfg Config) transport {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return transport{name: name, client: client, maxBytes: cfg.MaxResponseBytes}
}

// do sends req and returns the response when the status is 2xx.
func (t transport) do(req *http.Request) (*http.Response, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", t.name, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return nil, &StatusError{Provider: t.name, StatusCode: resp.StatusCode, Message: upstreamErrorMessage(body)}
}

// readJSON decodes a bounded response body into v.
func (t transport) readJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	body, err := httputil.ReadLimitedBody(resp.Body, t.maxBytes)
	if err != nil {
		return fmt.Errorf("read %s response: %w", t.name, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return gwerrors.NewProtocolError("malformed "+t.name+" response", err)
	}
	return nil
}

func newJSONRequest(ctx context.Context, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
