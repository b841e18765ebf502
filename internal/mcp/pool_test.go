package mcp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/vortex/pkg/asset"
)

func echoServer() *server.MCPServer {
	s := server.NewMCPServer("echo", "1.0.0", server.WithToolCapabilities(false))
	s.AddTool(
		mcp.NewTool("echo",
			mcp.WithDescription("Echo the text argument"),
			mcp.WithString("text", mcp.Required()),
		),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			text, _ := req.GetArguments()["text"].(string)
			return mcp.NewToolResultText(text), nil
		},
	)
	return s
}

func countingDialer(srv *server.MCPServer, dials *atomic.Int32) Dialer {
	return func(*asset.Asset) (*client.Client, error) {
		dials.Add(1)
		return client.NewInProcessClient(srv)
	}
}

func stdioAsset() *asset.Asset {
	return &asset.Asset{ID: "tools-1", Method: "tools", Mode: asset.ModeSTDIO, Command: "echo-server"}
}

func TestPool_SharesOneSessionPerAsset(t *testing.T) {
	var dials atomic.Int32
	p := NewPool(WithDialer(countingDialer(echoServer(), &dials)))
	defer p.Close()

	a := stdioAsset()
	const workers = 16
	clients := make([]*client.Client, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			c, err := p.Get(context.Background(), a)
			assert.NoError(t, err)
			clients[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), dials.Load())
	for _, c := range clients {
		assert.Same(t, clients[0], c)
	}
	assert.Equal(t, 1, p.Len())
}

func TestPool_ReconnectsWhenAssetChanges(t *testing.T) {
	var dials atomic.Int32
	p := NewPool(WithDialer(countingDialer(echoServer(), &dials)))
	defer p.Close()

	a := stdioAsset()
	first, err := p.Get(context.Background(), a)
	require.NoError(t, err)

	changed := *a
	changed.Args = "--verbose"
	second, err := p.Get(context.Background(), &changed)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), dials.Load())
	assert.Equal(t, 1, p.Len())
	assert.NotEqual(t, Fingerprint(a), Fingerprint(&changed))
}

func TestPool_FailedDialIsNotCached(t *testing.T) {
	var calls atomic.Int32
	srv := echoServer()
	p := NewPool(WithDialer(func(*asset.Asset) (*client.Client, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("spawn failed")
		}
		return client.NewInProcessClient(srv)
	}))
	defer p.Close()

	_, err := p.Get(context.Background(), stdioAsset())
	require.Error(t, err)
	assert.Equal(t, 0, p.Len())

	_, err = p.Get(context.Background(), stdioAsset())
	require.NoError(t, err)
}

func TestPool_ToolsAndCalls(t *testing.T) {
	var dials atomic.Int32
	p := NewPool(WithDialer(countingDialer(echoServer(), &dials)))
	defer p.Close()
	a := stdioAsset()

	tools, err := p.ListTools(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	res, err := p.CallTool(context.Background(), a, "echo", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "hello", ResultText(res))

	p.Retain(map[string]bool{})
	assert.Equal(t, 0, p.Len())
}

func TestDial_RejectsNonMCPModes(t *testing.T) {
	_, err := Dial(&asset.Asset{ID: "a", Mode: asset.ModeHTTP, Host: "x"})
	assert.Error(t, err)

	_, err = Dial(&asset.Asset{ID: "b", Mode: asset.ModeSTDIO})
	assert.Error(t, err, "stdio needs a command")
}

func TestEnvList(t *testing.T) {
	got := envList(map[string]any{"B": "2", "A": "1", "N": float64(3)})
	assert.Equal(t, []string{"A=1", "B=2", "N=3"}, got)
	assert.Nil(t, stringMap("not a map"))
}
