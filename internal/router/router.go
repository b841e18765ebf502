// Package router performs the downstream call for a resolved request. Each
// protocol family (REST, MQ, MCP, LLM streaming) has its own Router; a Table
// selects one by path prefix and asset mode.
package router

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/blueberrycongee/vortex/internal/strategy"
	"github.com/blueberrycongee/vortex/pkg/asset"
	gwerrors "github.com/blueberrycongee/vortex/pkg/errors"
)

// Router names used in metrics and span names.
const (
	NameREST = "rest"
	NameMQ   = "mq"
	NameMCP  = "mcp"
	NameLLM  = "llm"
)

// Router dispatches one request whose asset has been resolved.
type Router interface {
	Name() string
	// Dispatch performs the downstream call. Failures are returned as
	// *errors.GatewayError; a Router never writes to the client itself.
	Dispatch(ctx context.Context, rc *strategy.Context) (Response, error)
}

// Response is the result of a dispatch. The dispatcher renders it once the
// router has returned.
type Response interface {
	Render(ctx context.Context, w http.ResponseWriter) error
}

type tableKey struct {
	prefix string
	mode   asset.Mode
}

// Table maps (prefix, mode) pairs to routers. It is built once at startup.
type Table struct {
	mu     sync.RWMutex
	routes map[tableKey]Router
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{routes: make(map[tableKey]Router)}
}

func normalizePrefix(prefix string) string {
	return "/" + strings.Trim(prefix, "/")
}

// Register binds r to every mode under prefix.
func (t *Table) Register(prefix string, r Router, modes ...asset.Mode) error {
	if r == nil {
		return fmt.Errorf("nil router for prefix %q", prefix)
	}
	if len(modes) == 0 {
		return fmt.Errorf("router %s: no modes given for prefix %q", r.Name(), prefix)
	}
	prefix = normalizePrefix(prefix)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range modes {
		if !m.Valid() {
			return fmt.Errorf("router %s: invalid mode %q", r.Name(), m)
		}
		key := tableKey{prefix: prefix, mode: m}
		if existing, ok := t.routes[key]; ok {
			return fmt.Errorf("mode %s under %q already served by %s", m, prefix, existing.Name())
		}
		t.routes[key] = r
	}
	return nil
}

// Lookup returns the router for prefix and mode.
func (t *Table) Lookup(prefix string, mode asset.Mode) (Router, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[tableKey{prefix: normalizePrefix(prefix), mode: mode}]
	return r, ok
}

// Resolve returns the router serving the resolved asset of rc.
func (t *Table) Resolve(rc *strategy.Context) (Router, error) {
	if rc.Asset == nil {
		return nil, gwerrors.NewInternal("dispatch without a resolved asset", nil)
	}
	r, ok := t.Lookup(rc.Prefix, rc.Asset.Mode)
	if !ok {
		return nil, gwerrors.NewUnroutable(rc.Prefix, string(rc.Asset.Mode))
	}
	return r, nil
}

// Route describes one table entry.
type Route struct {
	Prefix string `json:"prefix"`
	Mode   string `json:"mode"`
	Router string `json:"router"`
}

// Routes lists the table entries sorted by prefix then mode.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	out := make([]Route, 0, len(t.routes))
	for k, r := range t.routes {
		out = append(out, Route{Prefix: k.prefix, Mode: string(k.mode), Router: r.Name()})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Prefix != out[j].Prefix {
			return out[i].Prefix < out[j].Prefix
		}
		return out[i].Mode < out[j].Mode
	})
	return out
}
