// Package healthcheck probes REST replicas in the background and takes
// failing ones out of rotation before a caller hits them.
package healthcheck

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/vortex/pkg/asset"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second

	// MetadataHealthPath names the asset metadata key holding the probe path.
	// Assets without it are not probed.
	MetadataHealthPath = "health_path"
)

// Config controls the proactive health checker behavior.
type Config struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
}

// Catalog lists the assets to probe.
type Catalog interface {
	Snapshot() []asset.Asset
}

// Reporter receives probe outcomes. router.Balancer implements it.
type Reporter interface {
	ReportSuccess(ctx context.Context, a *asset.Asset)
	ReportFailure(ctx context.Context, a *asset.Asset, statusCode int)
}

// Prober periodically checks replica health and updates balancer cooldowns.
type Prober struct {
	cfg      Config
	catalog  Catalog
	reporter Reporter
	logger   *slog.Logger
	client   *http.Client
	started  atomic.Bool

	// failing holds replicas put in cooldown by a probe; only those are
	// cleared by a later successful probe.
	mu      sync.Mutex
	failing map[string]struct{}
}

// NewProber creates a new health checker.
func NewProber(cfg Config, catalog Catalog, reporter Reporter, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Prober{
		cfg:      cfg,
		catalog:  catalog,
		reporter: reporter,
		logger:   logger,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		failing: make(map[string]struct{}),
	}
}

// Start begins the probe loop until the context is canceled.
func (p *Prober) Start(ctx context.Context) {
	if p == nil || !p.cfg.Enabled {
		return
	}
	if p.catalog == nil || p.reporter == nil {
		p.logger.Warn("healthcheck prober missing catalog or reporter")
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			p.RunOnce(ctx)
		case <-ctx.Done():
			p.logger.Info("healthcheck prober stopped")
			return
		}
	}
}

// RunOnce probes every eligible replica once.
func (p *Prober) RunOnce(ctx context.Context) {
	assets := p.catalog.Snapshot()
	seen := make(map[string]struct{}, len(assets))
	for i := range assets {
		if ctx.Err() != nil {
			return
		}
		a := &assets[i]
		path, ok := healthPath(a)
		if !ok {
			continue
		}
		seen[a.ID] = struct{}{}
		status, err := p.probe(ctx, a, path)
		if err != nil {
			p.handleFailure(ctx, a, status, err)
			continue
		}
		p.handleSuccess(ctx, a)
	}
	p.forget(seen)
}

func healthPath(a *asset.Asset) (string, bool) {
	if a.Mode != asset.ModeHTTP && a.Mode != asset.ModeOpenAPI {
		return "", false
	}
	meta, err := a.MetadataMap()
	if err != nil {
		return "", false
	}
	path, _ := meta[MetadataHealthPath].(string)
	if path == "" {
		return "", false
	}
	return "/" + strings.TrimPrefix(path, "/"), true
}

func (p *Prober) probe(ctx context.Context, a *asset.Asset, path string) (int, error) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	target := *a
	target.Path = path
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, target.URL(), nil)
	if err != nil {
		return 0, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, fmt.Errorf("healthcheck probe returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (p *Prober) handleFailure(ctx context.Context, a *asset.Asset, status int, err error) {
	p.reporter.ReportFailure(ctx, a, status)
	p.mu.Lock()
	p.failing[a.ID] = struct{}{}
	p.mu.Unlock()
	p.logger.Warn("healthcheck probe failed",
		"asset", a.ID,
		"method", a.Method,
		"status", status,
		"error", err,
	)
}

func (p *Prober) handleSuccess(ctx context.Context, a *asset.Asset) {
	p.mu.Lock()
	_, wasFailing := p.failing[a.ID]
	delete(p.failing, a.ID)
	p.mu.Unlock()
	if wasFailing {
		p.reporter.ReportSuccess(ctx, a)
		p.logger.Info("healthcheck probe recovered", "asset", a.ID)
	}
}

func (p *Prober) forget(seen map[string]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.failing {
		if _, ok := seen[id]; !ok {
			delete(p.failing, id)
		}
	}
}
