// Package main is the entry point for the Vortex gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blueberrycongee/vortex/internal/config"
	"github.com/blueberrycongee/vortex/internal/observability"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "config/vortex.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("vortex exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfgManager, err := config.NewManager(configPath, nil)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer cfgManager.Close()
	cfg := cfgManager.Get()

	logger := observability.NewGatewayLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stdout).Slog()
	slog.SetDefault(logger)
	logger.Info("starting vortex gateway", "config", configPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	gw, err := buildGateway(ctx, cfg, logger, tp.Tracer())
	if err != nil {
		return err
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Warn("close gateway", "error", err)
		}
	}()

	reloader := newConfigReloader(logger, gw.limiter, gw.refresher)
	cfgManager.OnChange(reloader.Reload)
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	go gw.Run(ctx)
	if stats, ok := gw.source.(dbStatsProvider); ok {
		if stop := startDBPoolMetrics(ctx, stats, logger, 0); stop != nil {
			defer stop()
		}
	}

	mx, err := buildMuxes(cfg, gw.dispatcher, gw.admin)
	if err != nil {
		return err
	}
	stack, err := buildMiddlewareStack(cfg)
	if err != nil {
		return err
	}

	servers := []*http.Server{newServer(cfg.Server, cfg.Server.Port, stack(mx.Data))}
	if mx.Admin != nil {
		servers = append(servers, newServer(cfg.Server, cfg.Server.AdminPort, stack(mx.Admin)))
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		l, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		l = limitListener(l, cfg.Server)
		go func(srv *http.Server, l net.Listener) {
			logger.Info("server listening", "addr", srv.Addr)
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
		}(srv, l)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server error", "error", err)
		cancel()
	}

	logger.Info("shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "addr", srv.Addr, "error", err)
		}
	}
	logger.Info("server stopped")
	return nil
}

func newServer(cfg config.ServerConfig, port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
