package dispatch

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/blueberrycongee/vortex/internal/httputil"
	"github.com/blueberrycongee/vortex/internal/registry"
	"github.com/blueberrycongee/vortex/internal/router"
	"github.com/blueberrycongee/vortex/internal/strategy"
	"github.com/blueberrycongee/vortex/pkg/asset"
	gwerrors "github.com/blueberrycongee/vortex/pkg/errors"
)

// Admin serves health probes and catalog introspection.
type Admin struct {
	Registry   *registry.Registry
	Refresher  *registry.Refresher
	Routers    *router.Table
	Strategies *strategy.Factory
	Logger     *slog.Logger
}

// CatalogView is the body of GET /admin/assets.
type CatalogView struct {
	Version  uint64         `json:"version"`
	LoadedAt time.Time      `json:"loaded_at"`
	Count    int            `json:"count"`
	Prefixes []string       `json:"prefixes"`
	Routes   []router.Route `json:"routes"`
	Assets   []asset.Asset  `json:"assets"`
}

// Register mounts the admin endpoints on mux.
func (a *Admin) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health/live", a.Live)
	mux.HandleFunc("GET /health/ready", a.Ready)
	mux.HandleFunc("GET /admin/assets", a.Assets)
	mux.HandleFunc("POST /admin/assets/reload", a.Reload)
}

// Live reports that the process is serving.
func (a *Admin) Live(w http.ResponseWriter, _ *http.Request) {
	_ = httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports whether a catalog has been published.
func (a *Admin) Ready(w http.ResponseWriter, _ *http.Request) {
	if a.Registry == nil || a.Registry.Version() == 0 {
		_ = httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "catalog not loaded"})
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"assets": a.Registry.Len(),
	})
}

// Assets lists the published catalog and the routing table.
func (a *Admin) Assets(w http.ResponseWriter, _ *http.Request) {
	view := CatalogView{
		Version:  a.Registry.Version(),
		LoadedAt: a.Registry.LoadedAt(),
		Count:    a.Registry.Len(),
		Assets:   a.Registry.Snapshot(),
	}
	if a.Routers != nil {
		view.Routes = a.Routers.Routes()
	}
	if a.Strategies != nil {
		view.Prefixes = a.Strategies.Prefixes()
	}
	_ = httputil.WriteJSON(w, http.StatusOK, view)
}

// Reload refreshes the catalog from its source. A failed load keeps the
// current catalog.
func (a *Admin) Reload(w http.ResponseWriter, r *http.Request) {
	if a.Refresher == nil {
		writeAdminError(w, gwerrors.NewInternal("catalog reload is not configured", nil))
		return
	}
	if err := a.Refresher.Refresh(r.Context()); err != nil {
		a.logger().Warn("catalog reload failed", "error", err)
		writeAdminError(w, gwerrors.NewInternal("catalog reload failed: "+err.Error(), err))
		return
	}
	a.logger().Info("catalog reloaded",
		"source", a.Refresher.Source().Name(),
		"assets", a.Registry.Len(),
		"version", a.Registry.Version(),
	)
	_ = httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"version": a.Registry.Version(),
		"count":   a.Registry.Len(),
	})
}

func (a *Admin) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

func writeAdminError(w http.ResponseWriter, ge *gwerrors.GatewayError) {
	_ = httputil.WriteJSON(w, ge.HTTPStatusCode(), ErrorBody{Code: string(ge.Kind), Message: ge.Message})
}
