package main

import (
	"net"
	"net/http"

	"golang.org/x/net/netutil"

	"github.com/blueberrycongee/vortex/internal/config"
	"github.com/blueberrycongee/vortex/internal/observability"
)

func buildMiddlewareStack(cfg *config.Config) (func(http.Handler) http.Handler, error) {
	if cfg == nil {
		return nil, errNilConfig
	}
	return func(next http.Handler) http.Handler {
		if next == nil {
			return nil
		}
		return observability.RequestIDMiddleware(next)
	}, nil
}

// limitListener caps concurrent connections when server.max_conns is set.
func limitListener(l net.Listener, cfg config.ServerConfig) net.Listener {
	if cfg.MaxConns <= 0 {
		return l
	}
	return netutil.LimitListener(l, cfg.MaxConns)
}
