package dispatch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/vortex/internal/auth"
	"github.com/blueberrycongee/vortex/internal/limiter"
	"github.com/blueberrycongee/vortex/internal/registry"
	"github.com/blueberrycongee/vortex/internal/router"
	"github.com/blueberrycongee/vortex/internal/strategy"
	"github.com/blueberrycongee/vortex/pkg/asset"
)

type gateway struct {
	handler  http.Handler
	registry *registry.Registry
	table    *router.Table
	factory  *strategy.Factory
}

func newGateway(t *testing.T, assets ...asset.Asset) *gateway {
	t.Helper()

	reg := registry.New("1.0")
	require.NoError(t, reg.Reload(assets))

	lim, err := limiter.NewRegistry(limiter.Options{
		Default: limiter.Quota{Capacity: 100, Window: time.Second},
		Enabled: true,
	})
	require.NoError(t, err)

	chain, err := strategy.NewChain(nil,
		&strategy.Classify{DefaultVersion: "1.0", MaxBodyBytes: 1 << 20},
		&strategy.Qualify{
			Registry: reg,
			Tokens:   auth.NewStaticVerifier(map[string]string{"good-token": "alice"}),
		},
		&strategy.RateLimit{Limiter: lim},
		&strategy.Format{Default: strategy.FormatJSON},
	)
	require.NoError(t, err)

	factory := strategy.NewFactory()
	for _, prefix := range []string{"/router/rest", "/router/mq"} {
		require.NoError(t, factory.Register(prefix, chain))
	}

	table := router.NewTable()
	require.NoError(t, table.Register("/router/rest", router.NewREST(router.RESTConfig{}), asset.ModeHTTP, asset.ModeOpenAPI))
	require.NoError(t, table.Register("/router/rest", router.NewLLM(router.LLMConfig{}), asset.ModeSSE))

	return &gateway{
		handler:  New(Config{Strategies: factory, Routers: table}),
		registry: reg,
		table:    table,
		factory:  factory,
	}
}

func (g *gateway) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

func backendAsset(t *testing.T, id, method, rawURL string) asset.Asset {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return asset.Asset{
		ID:      id,
		Method:  method,
		Version: "1",
		Host:    host,
		Port:    port,
		Path:    u.Path,
		Mode:    asset.ModeHTTP,
		Type:    asset.VerbGet,
		Timeout: 2000,
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func countingBackend(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"path":%q,"uid":%q}`, r.URL.Path, r.URL.Query().Get("uid"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDispatch_RESTEndToEnd(t *testing.T) {
	var hits atomic.Int32
	backend := countingBackend(t, &hits)
	g := newGateway(t, backendAsset(t, "profile-1", "user.getProfile", backend.URL+"/profile"))

	req := httptest.NewRequest(http.MethodGet, "/router/rest/detail?method=user.getProfile&v=1&uid=7", nil)
	req.Header.Set("X-Request-ID", "trace-abc")
	rec := g.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"path":"/profile/detail","uid":"7"}`, rec.Body.String())
	assert.Equal(t, "trace-abc", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, int32(1), hits.Load())
}

func TestDispatch_UnknownAssetNeverReachesBackend(t *testing.T) {
	var hits atomic.Int32
	backend := countingBackend(t, &hits)
	g := newGateway(t, backendAsset(t, "profile-1", "user.getProfile", backend.URL))

	rec := g.do(httptest.NewRequest(http.MethodGet, "/router/rest?method=user.unknown&v=1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "AssetNotFound", decodeError(t, rec).Code)

	rec = g.do(httptest.NewRequest(http.MethodGet, "/router/rest?method=user.getProfile&v=9&format=xml", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/xml")
	assert.Contains(t, rec.Body.String(), "<error><errcode>AssetNotFound</errcode>")

	assert.Equal(t, int32(0), hits.Load())
}

func TestDispatch_TokenRejectedBeforeRouting(t *testing.T) {
	var hits atomic.Int32
	backend := countingBackend(t, &hits)
	secured := backendAsset(t, "secure-1", "account.get", backend.URL)
	secured.Token = 1
	g := newGateway(t, secured)

	rec := g.do(httptest.NewRequest(http.MethodGet, "/router/rest?method=account.get&v=1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized", decodeError(t, rec).Code)

	req := httptest.NewRequest(http.MethodGet, "/router/rest?method=account.get&v=1", nil)
	req.Header.Set(strategy.HeaderAccessToken, "stolen")
	assert.Equal(t, http.StatusUnauthorized, g.do(req).Code)
	assert.Equal(t, int32(0), hits.Load())

	req = httptest.NewRequest(http.MethodGet, "/router/rest?method=account.get&v=1", nil)
	req.Header.Set(strategy.HeaderAccessToken, "good-token")
	assert.Equal(t, http.StatusOK, g.do(req).Code)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDispatch_MalformedRequests(t *testing.T) {
	g := newGateway(t)

	rec := g.do(httptest.NewRequest(http.MethodGet, "/router/rest?v=1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MalformedRequest", decodeError(t, rec).Code)

	rec = g.do(httptest.NewRequest(http.MethodGet, "/router/rest?method=a&format=yaml", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = g.do(httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestDispatch_UnroutableMode(t *testing.T) {
	a := asset.Asset{ID: "mq-1", Method: "order.create", Version: "1", Mode: asset.ModeMQ, Type: asset.VerbPost}
	g := newGateway(t, a)

	rec := g.do(httptest.NewRequest(http.MethodGet, "/router/mq?method=order.create&v=1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "AssetNotFound", body.Code)
	assert.Contains(t, body.Message, "MQ")
}

func TestDispatch_RateLimited(t *testing.T) {
	var hits atomic.Int32
	backend := countingBackend(t, &hits)
	a := backendAsset(t, "tight-1", "quota.get", backend.URL)
	a.RateCapacity = 1
	a.RateWindow = 60_000
	g := newGateway(t, a)

	assert.Equal(t, http.StatusOK, g.do(httptest.NewRequest(http.MethodGet, "/router/rest?method=quota.get&v=1", nil)).Code)

	rec := g.do(httptest.NewRequest(http.MethodGet, "/router/rest?method=quota.get&v=1", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RateLimitExceeded", decodeError(t, rec).Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, int32(1), hits.Load())
}

func TestDispatch_UpstreamDown(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	rawURL := backend.URL
	backend.Close()
	g := newGateway(t, backendAsset(t, "gone-1", "gone.get", rawURL))

	rec := g.do(httptest.NewRequest(http.MethodGet, "/router/rest?method=gone.get&v=1", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "UpstreamUnavailable", decodeError(t, rec).Code)
}

func TestDispatch_StreamsChat(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"a", "b", "c"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer backend.Close()

	chat := backendAsset(t, "chat-1", "chat.complete", backend.URL)
	chat.Mode = asset.ModeSSE
	chat.Type = asset.VerbPost
	chat.Metadata = `{"provider":"openai","model":"m1"}`
	g := newGateway(t, chat)

	req := httptest.NewRequest(http.MethodPost, "/router/rest?method=chat.complete&v=1",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := g.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	want := `data: {"choices":[{"delta":{"content":"a"}}]}` + "\n\n" +
		`data: {"choices":[{"delta":{"content":"b"}}]}` + "\n\n" +
		`data: {"choices":[{"delta":{"content":"c"}}]}` + "\n\n" +
		"data: [DONE]\n\n"
	assert.Equal(t, want, string(body))
}

func TestDispatch_ClientDisconnectStopsStream(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer backend.Close()
	defer close(release)

	chat := backendAsset(t, "chat-1", "chat.complete", backend.URL)
	chat.Mode = asset.ModeSSE
	chat.Metadata = `{"provider":"openai"}`
	g := newGateway(t, chat)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/router/rest?method=chat.complete&v=1&prompt=hi", nil).WithContext(ctx)
	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- g.do(req) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case rec := <-done:
		assert.Contains(t, rec.Body.String(), `"first"`)
		assert.NotContains(t, rec.Body.String(), "[DONE]")
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after the client went away")
	}
}
