package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/vortex/internal/config"
	"github.com/blueberrycongee/vortex/internal/metrics"
)

type adminRegistrar interface {
	Register(*http.ServeMux)
}

type muxes struct {
	Data  *http.ServeMux
	Admin *http.ServeMux
}

var errNilConfig = errors.New("config is required")

// buildMuxes mounts routed traffic under gateway.prefix. Health, admin and
// metrics share the data mux unless server.admin_port is set.
func buildMuxes(cfg *config.Config, dispatcher http.Handler, admin adminRegistrar) (muxes, error) {
	if cfg == nil {
		return muxes{}, errNilConfig
	}

	dataMux := http.NewServeMux()
	registerDataRoutes(dataMux, dispatcher, cfg)

	if cfg.Server.AdminPort > 0 {
		adminMux := http.NewServeMux()
		registerAdminRoutes(adminMux, admin, cfg)
		return muxes{Data: dataMux, Admin: adminMux}, nil
	}

	registerAdminRoutes(dataMux, admin, cfg)
	return muxes{Data: dataMux}, nil
}

func registerDataRoutes(mux *http.ServeMux, dispatcher http.Handler, cfg *config.Config) {
	if dispatcher == nil || mux == nil {
		return
	}
	prefix := "/" + strings.Trim(cfg.Gateway.Prefix, "/")
	if prefix == "/" {
		mux.Handle("/", metrics.Middleware("dispatch", dispatcher))
		return
	}
	mux.Handle(prefix+"/", metrics.Middleware("dispatch", dispatcher))
}

func registerAdminRoutes(mux *http.ServeMux, admin adminRegistrar, cfg *config.Config) {
	if mux == nil {
		return
	}
	if admin != nil {
		adminMux := http.NewServeMux()
		admin.Register(adminMux)
		handler := metrics.Middleware("admin", adminMux)
		for _, pattern := range []string{"/health/", "/admin/"} {
			mux.Handle(pattern, handler)
		}
	}
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}
}
