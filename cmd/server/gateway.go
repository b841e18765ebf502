package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/vortex/internal/auth"
	"github.com/blueberrycongee/vortex/internal/config"
	"github.com/blueberrycongee/vortex/internal/dispatch"
	"github.com/blueberrycongee/vortex/internal/healthcheck"
	"github.com/blueberrycongee/vortex/internal/limiter"
	"github.com/blueberrycongee/vortex/internal/llm"
	"github.com/blueberrycongee/vortex/internal/mcp"
	"github.com/blueberrycongee/vortex/internal/metrics"
	"github.com/blueberrycongee/vortex/internal/registry"
	"github.com/blueberrycongee/vortex/internal/router"
	"github.com/blueberrycongee/vortex/internal/strategy"
	"github.com/blueberrycongee/vortex/pkg/asset"
)

// Path segments under gateway.prefix.
const (
	segmentREST = "rest"
	segmentMCP  = "mcp"
	segmentMQ   = "mq"
)

const (
	limiterSweepInterval = time.Minute
	limiterIdleScope     = 10 * time.Minute
)

// gateway holds every component built from one configuration.
type gateway struct {
	logger     *slog.Logger
	registry   *registry.Registry
	refresher  *registry.Refresher
	source     registry.Source
	limiter    *limiter.Registry
	balancer   *router.Balancer
	prober     *healthcheck.Prober
	pool       *mcp.Pool
	strategies *strategy.Factory
	routers    *router.Table
	dispatcher *dispatch.Dispatcher
	admin      *dispatch.Admin

	closers []io.Closer
}

// buildGateway constructs the components in dependency order and loads the
// first catalog. Connections opened before a failure are closed.
func buildGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger, tracer trace.Tracer) (*gateway, error) {
	if cfg == nil {
		return nil, errNilConfig
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &gateway{logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = g.Close()
		}
	}()

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		rdb = client
		g.closers = append(g.closers, client)
	}

	collector := metrics.NewCollector()

	// Catalog.
	src, err := openCatalogSource(ctx, cfg, rdb)
	if err != nil {
		return nil, err
	}
	g.source = src
	if c, isCloser := src.(io.Closer); isCloser {
		g.closers = append(g.closers, c)
	}
	g.registry = registry.New(cfg.Gateway.DefaultVersion)
	g.refresher = registry.NewRefresher(g.registry, src, cfg.Catalog.RefreshInterval, logger,
		registry.WithReloadHook(g.onCatalogReload))

	// Admission.
	g.limiter, err = limiter.NewRegistry(limiter.Options{
		Algorithm: cfg.Limit.Algorithm,
		Default:   quotaOf(cfg.Limit),
		Enabled:   cfg.Limit.Enabled,
		FailOpen:  cfg.Limit.FailOpen,
		Redis:     rdb,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build limiter: %w", err)
	}
	firewall, err := auth.NewFirewall(firewallRules(cfg.Firewall), cfg.Firewall.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("build firewall: %w", err)
	}
	g.strategies, err = buildStrategies(cfg, g.registry, g.limiter, firewall, logger)
	if err != nil {
		return nil, err
	}

	// Routers.
	g.routers, err = g.buildRouters(cfg, rdb, collector, tracer)
	if err != nil {
		return nil, err
	}

	g.prober = healthcheck.NewProber(healthcheck.Config{
		Enabled:  cfg.Health.Enabled,
		Interval: cfg.Health.Interval,
		Timeout:  cfg.Health.Timeout,
	}, g.registry, g.balancer, logger)

	g.dispatcher = dispatch.New(dispatch.Config{
		Strategies:    g.strategies,
		Routers:       g.routers,
		Collector:     collector,
		Tracer:        tracer,
		Logger:        logger,
		DefaultFormat: cfg.Gateway.DefaultFormat,
	})
	g.admin = &dispatch.Admin{
		Registry:   g.registry,
		Refresher:  g.refresher,
		Routers:    g.routers,
		Strategies: g.strategies,
		Logger:     logger,
	}

	if err := g.refresher.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	logger.Info("catalog loaded",
		"source", src.Name(),
		"assets", g.registry.Len(),
		"version", g.registry.Version(),
	)

	ok = true
	return g, nil
}

func (g *gateway) buildRouters(cfg *config.Config, rdb redis.UniversalClient, collector *metrics.Collector, tracer trace.Tracer) (*router.Table, error) {
	balancerOpts := []router.BalancerOption{router.WithBalancerLogger(g.logger)}
	if rdb != nil {
		balancerOpts = append(balancerOpts, router.WithCooldownStore(router.NewRedisCooldowns(rdb, "")))
	}
	g.balancer = router.NewBalancer(cfg.Gateway.CooldownPeriod, balancerOpts...)

	g.pool = mcp.NewPool(mcp.WithLogger(g.logger))
	g.closers = append(g.closers, g.pool)

	restPrefix := joinPrefix(cfg.Gateway.Prefix, segmentREST)
	mcpPrefix := joinPrefix(cfg.Gateway.Prefix, segmentMCP)
	mqPrefix := joinPrefix(cfg.Gateway.Prefix, segmentMQ)

	table := router.NewTable()
	rest := router.NewREST(router.RESTConfig{
		Client:           &http.Client{},
		Balancer:         g.balancer,
		MaxResponseBytes: cfg.Gateway.MaxResponseBytes,
		Collector:        collector,
		Tracer:           tracer,
	})
	if err := table.Register(restPrefix, rest, asset.ModeHTTP, asset.ModeOpenAPI); err != nil {
		return nil, err
	}

	providers := llm.NewFactory(
		llm.WithHTTPClient(newLLMClient(cfg.LLM)),
		llm.WithMaxResponseBytes(cfg.Gateway.MaxResponseBytes),
	)
	chat := router.NewLLM(router.LLMConfig{Factory: providers, Collector: collector, Tracer: tracer})
	if err := table.Register(restPrefix, chat, asset.ModeSSE); err != nil {
		return nil, err
	}

	tools := router.NewMCP(router.MCPConfig{Pool: g.pool, Collector: collector, Tracer: tracer})
	if err := table.Register(mcpPrefix, tools, asset.ModeSTDIO, asset.ModeSSE, asset.ModeStreamableHTTP); err != nil {
		return nil, err
	}

	broker, err := openBroker(cfg.MQ, rdb, g.logger)
	if err != nil {
		return nil, err
	}
	if broker != nil {
		g.closers = append(g.closers, broker)
		mq := router.NewMQ(router.MQConfig{Broker: broker, Collector: collector, Tracer: tracer})
		if err := table.Register(mqPrefix, mq, asset.ModeMQ); err != nil {
			return nil, err
		}
	} else {
		g.logger.Info("mq router disabled, no broker configured")
	}
	return table, nil
}

// onCatalogReload records the reload and releases per-asset state of assets
// that left the catalog.
func (g *gateway) onCatalogReload(source string, assets int, err error) {
	metrics.RecordCatalogReload(source, assets, err)
	if err != nil {
		return
	}
	keep := make(map[string]bool, assets)
	for _, a := range g.registry.Snapshot() {
		keep[a.ID] = true
	}
	if g.balancer != nil {
		g.balancer.Forget(keep)
	}
	if g.pool != nil {
		g.pool.Retain(keep)
	}
}

// Run starts the background jobs. It returns when ctx is done.
func (g *gateway) Run(ctx context.Context) {
	g.prober.Start(ctx)
	done := make(chan struct{}, 2)
	go func() {
		g.refresher.Run(ctx)
		done <- struct{}{}
	}()
	go func() {
		g.limiter.RunSweeper(ctx, limiterSweepInterval, limiterIdleScope)
		done <- struct{}{}
	}()
	<-done
	<-done
}

// Close releases connections in reverse construction order.
func (g *gateway) Close() error {
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil
	return errors.Join(errs...)
}

func buildStrategies(cfg *config.Config, reg *registry.Registry, lim *limiter.Registry, firewall *auth.Firewall, logger *slog.Logger) (*strategy.Factory, error) {
	var verifiers auth.ChainVerifier
	if len(cfg.Auth.Tokens) > 0 {
		verifiers = append(verifiers, auth.NewStaticVerifier(cfg.Auth.Tokens))
	}
	if cfg.Auth.JWT.Secret != "" {
		verifiers = append(verifiers, auth.NewJWTVerifier(cfg.Auth.JWT.Secret, cfg.Auth.JWT.Issuer, cfg.Auth.JWT.Audience))
	}

	var sigOpts []auth.SignatureOption
	if cfg.Signature.ReplayProtection {
		sigOpts = append(sigOpts, auth.WithReplayGuard(auth.NewReplayGuard(2*cfg.Signature.Window)))
	}
	signatures := auth.NewSignatureVerifier(cfg.Signature.Secret, cfg.Signature.Keys, cfg.Signature.Window, sigOpts...)

	factory := strategy.NewFactory()
	for _, segment := range []string{segmentREST, segmentMCP, segmentMQ} {
		chain, err := strategy.NewChain(logger,
			&strategy.Classify{
				DefaultVersion: cfg.Gateway.DefaultVersion,
				MaxBodyBytes:   cfg.Gateway.MaxBodyBytes,
				Firewall:       firewall,
			},
			&strategy.Qualify{
				Registry:   reg,
				Tokens:     verifiers,
				Signatures: signatures,
				Firewall:   firewall,
			},
			&strategy.RateLimit{Limiter: lim, PerCaller: cfg.Limit.PerCaller},
			&strategy.Format{Default: cfg.Gateway.DefaultFormat},
		)
		if err != nil {
			return nil, fmt.Errorf("build %s strategy chain: %w", segment, err)
		}
		if err := factory.Register(joinPrefix(cfg.Gateway.Prefix, segment), chain); err != nil {
			return nil, err
		}
	}
	return factory, nil
}

func openCatalogSource(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient) (registry.Source, error) {
	switch strings.ToLower(cfg.Catalog.Source) {
	case "", "config":
		return registry.NewStaticSource(cfg.Catalog.Assets), nil
	case "file":
		return registry.NewFileSource(cfg.Catalog.File), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("catalog source redis requires redis.addr")
		}
		return registry.NewRedisSource(rdb, cfg.Catalog.RedisKey), nil
	case "postgres":
		pg := cfg.Catalog.Postgres
		src, err := registry.OpenPostgresSource(ctx, registry.PostgresOptions{
			DSN:          pg.DSN,
			Table:        pg.Table,
			MaxOpenConns: pg.MaxOpenConns,
			ConnLifetime: pg.ConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open catalog database: %w", err)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown catalog source %q", cfg.Catalog.Source)
	}
}

// mqBroker is a router.Broker that holds a connection.
type mqBroker interface {
	router.Broker
	io.Closer
}

func openBroker(cfg config.MQConfig, rdb redis.UniversalClient, logger *slog.Logger) (mqBroker, error) {
	switch strings.ToLower(cfg.Driver) {
	case "":
		return nil, nil
	case router.BrokerNATS:
		b, err := router.NewNATSBroker(cfg.URL, cfg.Name, logger)
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
		}
		return b, nil
	case router.BrokerRedis:
		if rdb == nil {
			return nil, errors.New("mq driver redis requires redis.addr")
		}
		return router.NewRedisBroker(rdb), nil
	default:
		return nil, fmt.Errorf("unknown mq driver %q", cfg.Driver)
	}
}

// newLLMClient bounds connection setup and response headers. The body of a
// stream is unbounded and ends with the client or the asset deadline.
func newLLMClient(cfg config.LLMConfig) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = cfg.MaxIdleConns
	transport.MaxIdleConnsPerHost = cfg.MaxIdleConns
	transport.ResponseHeaderTimeout = cfg.RequestTimeout
	return &http.Client{Transport: transport}
}

func quotaOf(cfg config.LimitConfig) limiter.Quota {
	return limiter.Quota{Capacity: cfg.DefaultCapacity, Window: cfg.DefaultWindow}
}

func firewallRules(cfg config.FirewallConfig) map[string]auth.RuleSpec {
	rules := make(map[string]auth.RuleSpec, len(cfg.Rules))
	for code, rule := range cfg.Rules {
		rules[code] = auth.RuleSpec{CIDRs: rule.CIDRs, Channels: rule.Channels}
	}
	return rules
}

func joinPrefix(base, segment string) string {
	return "/" + strings.Trim(strings.TrimRight(base, "/")+"/"+segment, "/")
}
