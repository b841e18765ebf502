package main

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/vortex/internal/config"
	"github.com/blueberrycongee/vortex/internal/limiter"
	"github.com/blueberrycongee/vortex/internal/registry"
)

const reloadTimeout = 30 * time.Second

// configReloader applies the hot-reloadable parts of a new configuration.
// Listeners, routers and connections keep the settings they started with.
type configReloader struct {
	logger     *slog.Logger
	limiter    *limiter.Registry
	refresher  *registry.Refresher
	inProgress atomic.Bool
}

func newConfigReloader(logger *slog.Logger, lim *limiter.Registry, refresher *registry.Refresher) *configReloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &configReloader{
		logger:    logger,
		limiter:   lim,
		refresher: refresher,
	}
}

func (r *configReloader) Reload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if !r.inProgress.CompareAndSwap(false, true) {
		r.logger.Warn("config reload already in progress")
		return
	}
	defer r.inProgress.Store(false)

	if r.limiter != nil {
		r.limiter.SetEnabled(cfg.Limit.Enabled)
		r.limiter.SetDefault(quotaOf(cfg.Limit))
	}

	if r.refresher != nil {
		src := strings.ToLower(cfg.Catalog.Source)
		if src == "" || src == "config" {
			r.refresher.SetSource(registry.NewStaticSource(cfg.Catalog.Assets))
		}
		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		defer cancel()
		if err := r.refresher.Refresh(ctx); err != nil {
			r.logger.Error("catalog reload failed, keeping current catalog", "error", err)
			return
		}
	}

	r.logger.Info("config reloaded",
		"limit_enabled", cfg.Limit.Enabled,
		"catalog_source", cfg.Catalog.Source,
	)
}
