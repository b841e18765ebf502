package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/blueberrycongee/vortex/pkg/asset"
)

// ListTools returns the tools exposed by the asset's server.
func (p *Pool) ListTools(ctx context.Context, a *asset.Asset) ([]mcp.Tool, error) {
	c, err := p.Get(ctx, a)
	if err != nil {
		return nil, err
	}
	resp, err := c.ListTools(ctx, mcp.ListToolsRequest{
		PaginatedRequest: mcp.PaginatedRequest{
			Request: mcp.Request{Method: string(mcp.MethodToolsList)},
		},
	})
	if err != nil {
		p.Drop(a.ID, c)
		return nil, fmt.Errorf("list tools: %w", err)
	}
	recordToolsAvailable(a.ID, len(resp.Tools))
	return resp.Tools, nil
}

// CallTool invokes one tool. A failed call drops the session so the next
// request reconnects.
func (p *Pool) CallTool(ctx context.Context, a *asset.Asset, name string, args map[string]any) (*mcp.CallToolResult, error) {
	c, err := p.Get(ctx, a)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.CallTool(ctx, mcp.CallToolRequest{
		Request: mcp.Request{Method: string(mcp.MethodToolsCall)},
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	status := "success"
	switch {
	case err != nil:
		status = "error"
	case resp != nil && resp.IsError:
		status = "tool_error"
	}
	recordToolExecution(a.ID, name, status, time.Since(start))

	if err != nil {
		p.Drop(a.ID, c)
		return nil, fmt.Errorf("call tool %s: %w", name, err)
	}
	return resp, nil
}

// ResultText flattens the content of a tool result into text.
func ResultText(resp *mcp.CallToolResult) string {
	if resp == nil {
		return ""
	}
	var out strings.Builder
	for _, content := range resp.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			out.WriteString(c.Text)
		case mcp.ImageContent:
			fmt.Fprintf(&out, "[Image: %s]", c.MIMEType)
		case mcp.AudioContent:
			fmt.Fprintf(&out, "[Audio: %s]", c.MIMEType)
		case mcp.EmbeddedResource:
			fmt.Fprintf(&out, "[Resource: %s]", c.Type)
		default:
			if data, err := json.Marshal(content); err == nil {
				out.Write(data)
			}
		}
	}
	return strings.TrimSpace(out.String())
}
