package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/blueberrycongee/vortex/internal/config"
	"github.com/blueberrycongee/vortex/internal/registry"
	"github.com/blueberrycongee/vortex/internal/router"
	"github.com/blueberrycongee/vortex/pkg/asset"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
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
		Version: "1.0",
		Host:    host,
		Port:    port,
		Path:    "/users",
		Mode:    asset.ModeHTTP,
		Type:    asset.VerbGet,
		Timeout: 2000,
	}
}

func newTestGateway(t *testing.T, cfg *config.Config) *gateway {
	t.Helper()
	gw, err := buildGateway(context.Background(), cfg, discardLogger(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}

func serve(t *testing.T, cfg *config.Config, gw *gateway) http.Handler {
	t.Helper()
	mx, err := buildMuxes(cfg, gw.dispatcher, gw.admin)
	require.NoError(t, err)
	stack, err := buildMiddlewareStack(cfg)
	require.NoError(t, err)
	return stack(mx.Data)
}

func TestBuildGateway_ServesConfiguredCatalog(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"name":"alice"}`)
	}))
	t.Cleanup(backend.Close)

	cfg := config.DefaultConfig()
	cfg.Catalog.Assets = []asset.Asset{backendAsset(t, "users-1", "user.get", backend.URL)}
	gw := newTestGateway(t, cfg)
	h := serve(t, cfg, gw)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/router/rest?method=user.get", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"name":"alice"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/router/mq?method=user.get", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "mq is not routed without a broker")
}

func TestBuildGateway_RegistersPrefixesAndRoutes(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Gateway.Prefix = "/api/"
	gw := newTestGateway(t, cfg)

	assert.ElementsMatch(t, []string{"/api/rest", "/api/mcp", "/api/mq"}, gw.strategies.Prefixes())

	_, ok := gw.routers.Lookup("/api/rest", asset.ModeSSE)
	assert.True(t, ok)
	_, ok = gw.routers.Lookup("/api/mcp", asset.ModeSTDIO)
	assert.True(t, ok)
	_, ok = gw.routers.Lookup("/api/mq", asset.ModeMQ)
	assert.False(t, ok)
}

func TestBuildGateway_RedisBackedComponents(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	seed := registry.NewRedisSource(rdb, "vortex:assets")
	require.NoError(t, seed.Put(context.Background(), asset.Asset{
		ID: "orders-1", Method: "order.create", Version: "1.0",
		Mode: asset.ModeMQ, Type: asset.VerbPost,
	}))

	cfg := config.DefaultConfig()
	cfg.Redis.Addr = mr.Addr()
	cfg.Catalog.Source = "redis"
	cfg.MQ.Driver = router.BrokerRedis
	cfg.Limit.Algorithm = "redis"
	gw := newTestGateway(t, cfg)

	assert.Equal(t, "redis", gw.source.Name())
	assert.Equal(t, 1, gw.registry.Len())
	_, ok := gw.routers.Lookup("/router/mq", asset.ModeMQ)
	assert.True(t, ok)
}

func TestBuildGateway_Failures(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Catalog.Source = "redis"
	_, err := buildGateway(context.Background(), cfg, discardLogger(), nil)
	assert.ErrorContains(t, err, "redis.addr")

	cfg = config.DefaultConfig()
	cfg.MQ.Driver = "kafka"
	_, err = buildGateway(context.Background(), cfg, discardLogger(), nil)
	assert.ErrorContains(t, err, "unknown mq driver")

	cfg = config.DefaultConfig()
	cfg.Catalog.Source = "file"
	cfg.Catalog.File = t.TempDir() + "/missing.yaml"
	_, err = buildGateway(context.Background(), cfg, discardLogger(), nil)
	assert.ErrorContains(t, err, "load catalog")

	_, err = buildGateway(context.Background(), nil, nil, nil)
	assert.ErrorIs(t, err, errNilConfig)
}

func TestGateway_ReloadPrunesRemovedAssets(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Catalog.Assets = []asset.Asset{
		backendAsset(t, "a1", "user.get", "http://127.0.0.1:9001"),
		backendAsset(t, "a2", "user.list", "http://127.0.0.1:9002"),
	}
	gw := newTestGateway(t, cfg)
	require.Equal(t, 2, gw.registry.Len())

	gw.refresher.SetSource(registry.NewStaticSource(cfg.Catalog.Assets[:1]))
	require.NoError(t, gw.refresher.Refresh(context.Background()))
	assert.Equal(t, 1, gw.registry.Len())
	assert.Equal(t, 0, gw.pool.Len())
}

func TestJoinPrefix(t *testing.T) {
	assert.Equal(t, "/router/rest", joinPrefix("/router", "rest"))
	assert.Equal(t, "/router/rest", joinPrefix("router/", "rest"))
	assert.Equal(t, "/rest", joinPrefix("", "rest"))
	assert.Equal(t, "/rest", joinPrefix("/", "rest"))
}
