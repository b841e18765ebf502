package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Refresher keeps a Registry in sync with a Source.
type Refresher struct {
	mu       sync.Mutex
	registry *Registry
	source   Source
	interval time.Duration
	logger   *slog.Logger
	onReload func(source string, assets int, err error)
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithReloadHook registers a callback invoked after every reload attempt.
func WithReloadHook(fn func(source string, assets int, err error)) RefresherOption {
	return func(r *Refresher) { r.onReload = fn }
}

// NewRefresher creates a refresher. A non-positive interval disables periodic reloads.
func NewRefresher(registry *Registry, source Source, interval time.Duration, logger *slog.Logger, opts ...RefresherOption) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Refresher{
		registry: registry,
		source:   source,
		interval: interval,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Source returns the backing source.
func (r *Refresher) Source() Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source
}

// SetSource replaces the backing source; the next Refresh uses it.
func (r *Refresher) SetSource(src Source) {
	r.mu.Lock()
	r.source = src
	r.mu.Unlock()
}

// Refresh loads the source once and publishes it. On failure the current
// catalog is kept.
func (r *Refresher) Refresh(ctx context.Context) error {
	r.mu.Lock()
	src := r.source
	r.mu.Unlock()

	assets, err := src.Load(ctx)
	if err == nil {
		err = r.registry.Reload(assets)
	}
	if r.onReload != nil {
		r.onReload(src.Name(), len(assets), err)
	}
	if err != nil {
		return fmt.Errorf("refresh catalog from %s: %w", src.Name(), err)
	}

	r.logger.Debug("catalog refreshed",
		"source", src.Name(),
		"assets", r.registry.Len(),
		"version", r.registry.Version(),
	)
	return nil
}

// Run refreshes on every tick until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("catalog refresh failed, keeping current catalog", "error", err)
			}
		}
	}
}
