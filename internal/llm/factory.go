package llm

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/blueberrycongee/vortex/pkg/types"
)

type factoryKey struct {
	typ      string
	endpoint string
	apiKey   string
}

type factoryEntry struct {
	once     sync.Once
	provider Provider
	err      error
}

// Factory caches one adapter per (type, endpoint, apiKey). Adapters are
// created lazily and exactly once per key, then reused until Clear.
type Factory struct {
	entries      sync.Map // factoryKey -> *factoryEntry
	constructors map[string]Constructor
	client       *http.Client
	maxBytes     int64
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithConstructor registers or replaces the constructor for a provider type.
func WithConstructor(typ string, c Constructor) FactoryOption {
	return func(f *Factory) {
		f.constructors[strings.ToLower(typ)] = c
	}
}

// WithHTTPClient sets the client every adapter uses.
func WithHTTPClient(client *http.Client) FactoryOption {
	return func(f *Factory) {
		f.client = client
	}
}

// WithMaxResponseBytes caps non-streaming response bodies.
func WithMaxResponseBytes(n int64) FactoryOption {
	return func(f *Factory) {
		f.maxBytes = n
	}
}

// NewFactory creates a factory with the built-in adapters.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		constructors: map[string]Constructor{
			TypeOpenAI:    NewOpenAI,
			TypeAnthropic: NewAnthropic,
			TypeOllama:    NewOllama,
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Types lists the registered provider types.
func (f *Factory) Types() []string {
	out := make([]string, 0, len(f.constructors))
	for t := range f.constructors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// GetProvider returns the cached adapter for (typ, endpoint, apiKey), creating
// it on first use. The result uses model when a request does not name one;
// model is not part of the cache key.
func (f *Factory) GetProvider(typ, endpoint, apiKey, model string) (Provider, error) {
	typ = strings.ToLower(strings.TrimSpace(typ))
	if typ == "" {
		typ = TypeOpenAI
	}
	construct, ok := f.constructors[typ]
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q", typ)
	}

	key := factoryKey{typ: typ, endpoint: strings.TrimSuffix(endpoint, "/"), apiKey: apiKey}
	v, _ := f.entries.LoadOrStore(key, &factoryEntry{})
	entry := v.(*factoryEntry)
	entry.once.Do(func() {
		entry.provider, entry.err = construct(Config{
			Type:             typ,
			BaseURL:          key.endpoint,
			APIKey:           apiKey,
			Client:           f.client,
			MaxResponseBytes: f.maxBytes,
		})
	})
	if entry.err != nil {
		// Failed constructions are not cached so a later call can retry.
		f.entries.CompareAndDelete(key, entry)
		return nil, fmt.Errorf("create %s provider: %w", typ, entry.err)
	}

	if model == "" {
		return entry.provider, nil
	}
	return &boundProvider{Provider: entry.provider, model: model}, nil
}

// Len returns the number of cached adapters.
func (f *Factory) Len() int {
	n := 0
	f.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Clear drops every cached adapter.
func (f *Factory) Clear() {
	f.entries.Range(func(k, v any) bool {
		f.entries.CompareAndDelete(k, v)
		return true
	})
}

// boundProvider fills in a default model.
type boundProvider struct {
	Provider
	model string
}

func (b *boundProvider) withModel(req *types.ChatRequest) *types.ChatRequest {
	if req.Model != "" {
		return req
	}
	out := *req
	out.Model = b.model
	return &out
}

func (b *boundProvider) Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	return b.Provider.Chat(ctx, b.withModel(req))
}

func (b *boundProvider) Stream(ctx context.Context, req *types.ChatRequest) (Stream, error) {
	return b.Provider.Stream(ctx, b.withModel(req))
}

// Model returns the bound default model.
func (b *boundProvider) Model() string { return b.model }
