package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/vortex/internal/mcp"
	"github.com/blueberrycongee/vortex/pkg/asset"
	gwerrors "github.com/blueberrycongee/vortex/pkg/errors"
)

func newMCPRouter(t *testing.T) *MCP {
	t.Helper()
	srv := server.NewMCPServer("tools", "1.0.0", server.WithToolCapabilities(false))
	srv.AddTool(
		mcpgo.NewTool("echo", mcpgo.WithString("text", mcpgo.Required())),
		func(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			text, _ := req.GetArguments()["text"].(string)
			if text == "" {
				return mcpgo.NewToolResultError("text is empty"), nil
			}
			return mcpgo.NewToolResultText("echo: " + text), nil
		},
	)
	pool := mcp.NewPool(mcp.WithDialer(func(*asset.Asset) (*client.Client, error) {
		return client.NewInProcessClient(srv)
	}))
	t.Cleanup(func() { _ = pool.Close() })
	return NewMCP(MCPConfig{Pool: pool})
}

func mcpAsset() *asset.Asset {
	a := &asset.Asset{ID: "tools-1", Method: "tools.echo", Mode: asset.ModeSTDIO, Command: "tools-server", Timeout: 2000}
	a.Normalize()
	return a
}

func TestMCP_ListsTools(t *testing.T) {
	m := newMCPRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/router/mcp/tools?method=tools.echo", nil)
	rc := newRC(t, req, "/router/mcp", mcpAsset())

	resp, err := m.Dispatch(context.Background(), rc)
	require.NoError(t, err)
	rec := render(t, resp)
	assert.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Asset string `json:"asset"`
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "tools-1", list.Asset)
	require.Len(t, list.Tools, 1)
	assert.Equal(t, "echo", list.Tools[0].Name)
}

func TestMCP_CallsTool(t *testing.T) {
	m := newMCPRouter(t)

	t.Run("json body arguments", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/router/mcp?method=tools.echo&tool=echo", strings.NewReader(`{"text":"hi"}`))
		req.Header.Set("Content-Type", "application/json")
		rc := newRC(t, req, "/router/mcp", mcpAsset())
		rc.Body = []byte(`{"text":"hi"}`)

		resp, err := m.Dispatch(context.Background(), rc)
		require.NoError(t, err)
		rec := render(t, resp)

		var res ToolResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, "echo", res.Tool)
		assert.Equal(t, "echo: hi", res.Text)
		assert.False(t, res.IsError)
	})

	t.Run("tool from metadata and query arguments", func(t *testing.T) {
		a := mcpAsset()
		a.Metadata = `{"tool":"echo"}`
		req := httptest.NewRequest(http.MethodGet, "/router/mcp?method=tools.echo&text=there", nil)
		rc := newRC(t, req, "/router/mcp", a)

		resp, err := m.Dispatch(context.Background(), rc)
		require.NoError(t, err)
		assert.Contains(t, render(t, resp).Body.String(), `"text":"echo: there"`)
	})

	t.Run("tool errors are reported in the result", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/router/mcp?method=tools.echo&tool=echo", nil)
		rc := newRC(t, req, "/router/mcp", mcpAsset())

		resp, err := m.Dispatch(context.Background(), rc)
		require.NoError(t, err)
		var res ToolResult
		require.NoError(t, json.Unmarshal(render(t, resp).Body.Bytes(), &res))
		assert.True(t, res.IsError)
	})
}

func TestMCP_MissingTool(t *testing.T) {
	m := newMCPRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/router/mcp?method=tools.echo", nil)
	rc := newRC(t, req, "/router/mcp", mcpAsset())

	_, err := m.Dispatch(context.Background(), rc)
	assert.ErrorIs(t, err, gwerrors.ErrMalformedRequest)
}

func TestMCP_BadArguments(t *testing.T) {
	m := newMCPRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/router/mcp?method=tools.echo&tool=echo", strings.NewReader(`[1,2]`))
	rc := newRC(t, req, "/router/mcp", mcpAsset())
	rc.Body = []byte(`[1,2]`)

	_, err := m.Dispatch(context.Background(), rc)
	assert.ErrorIs(t, err, gwerrors.ErrMalformedRequest)
}
