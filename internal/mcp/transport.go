// Package mcp keeps Model Context Protocol client sessions to catalog assets.
package mcp

import (
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/blueberrycongee/vortex/pkg/asset"
)

// Client identity sent during initialization.
const (
	ClientName    = "vortex-gateway"
	ClientVersion = "1.0.0"
)

// Metadata keys read from an MCP asset.
const (
	MetaEnv     = "env"
	MetaHeaders = "headers"
	MetaTool    = "tool"
)

// Dialer creates an unstarted client for an asset.
type Dialer func(a *asset.Asset) (*client.Client, error)

// Dial builds the transport matching the asset mode: a child process for
// STDIO, or the asset URL for SSE and streamable HTTP.
func Dial(a *asset.Asset) (*client.Client, error) {
	meta, err := a.MetadataMap()
	if err != nil {
		return nil, err
	}

	switch a.Mode {
	case asset.ModeSTDIO:
		if a.Command == "" {
			return nil, fmt.Errorf("asset %s: stdio mode requires a command", a.ID)
		}
		args, err := a.ArgList()
		if err != nil {
			return nil, err
		}
		return client.NewClient(transport.NewStdio(a.Command, envList(meta[MetaEnv]), args...)), nil

	case asset.ModeSSE:
		tr, err := transport.NewSSE(a.URL(), transport.WithHeaders(stringMap(meta[MetaHeaders])))
		if err != nil {
			return nil, fmt.Errorf("create SSE transport: %w", err)
		}
		return client.NewClient(tr), nil

	case asset.ModeStreamableHTTP:
		tr, err := transport.NewStreamableHTTP(a.URL(), transport.WithHTTPHeaders(stringMap(meta[MetaHeaders])))
		if err != nil {
			return nil, fmt.Errorf("create HTTP transport: %w", err)
		}
		return client.NewClient(tr), nil
	}
	return nil, fmt.Errorf("asset %s: mode %s is not an MCP transport", a.ID, a.Mode)
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// envList renders metadata env as KEY=VALUE pairs in key order.
func envList(v any) []string {
	m := stringMap(v)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}
