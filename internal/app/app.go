// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the relaygate server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"relaygate/config"
	"relaygate/internal/httpclient"
	"relaygate/internal/observability"
	"relaygate/internal/ratelimit"
	"relaygate/internal/relay"
	"relaygate/internal/server"
	"relaygate/internal/upstream"
)

// DefaultShutdownTimeout bounds how long in-flight requests may drain after
// a shutdown signal.
const DefaultShutdownTimeout = 30 * time.Second

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config   *config.Config
	bucket   *ratelimit.TokenBucket
	registry *prometheus.Registry
	server   *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app config is required")
	}

	app := &App{config: cfg}

	var hooks observability.Hooks = observability.NoopHooks{}
	var promHooks *observability.PrometheusHooks
	if cfg.Metrics.Enabled {
		app.registry = prometheus.NewRegistry()
		app.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		promHooks = observability.NewPrometheusHooks(app.registry)
		hooks = promHooks
	}

	app.bucket = ratelimit.NewTokenBucket(cfg.RateLimit.Burst, cfg.RateLimit.Rate, cfg.RateLimit.Interval)
	if promHooks != nil {
		promHooks.WatchBucket(app.bucket.Available, app.bucket.Waiting)
	}
	admission := ratelimit.NewAdmissionController(app.bucket, cfg.RateLimit.Timeout, hooks)

	clientCfg := httpclient.ConfigFrom(cfg.HTTP)
	dispatcher := upstream.New(httpclient.NewHTTPClient(&clientCfg), upstream.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		APIKey:         cfg.Upstream.APIKey,
		ForwardHeaders: cfg.Upstream.ForwardHeaders,
	}, hooks)

	handler := server.NewHandler(admission, dispatcher, relay.Config{
		ChannelCapacity:   cfg.SSE.ChannelCapacity,
		KeepaliveInterval: cfg.SSE.KeepaliveInterval,
		BufferCapacity:    cfg.SSE.BufferCapacity,
	}, hooks)

	serverCfg := &server.Config{
		MasterKey:       cfg.Server.MasterKey,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		BodySizeLimit:   cfg.Server.BodySizeLimit,
	}
	if app.registry != nil {
		serverCfg.Gatherer = app.registry
	}
	app.server = server.New(handler, serverCfg)

	app.logStartupInfo()
	return app, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Run serves on addr until ctx is done, then shuts down, giving in-flight
// requests (streams included) up to grace to finish. Unlike Start, which
// returns as soon as the listener closes, Run returns only once shutdown
// has completed.
func (a *App) Run(ctx context.Context, addr string, grace time.Duration) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.Start(addr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	slog.Info("received shutdown signal", "grace", grace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	err := a.Shutdown(shutdownCtx)
	if startErr := <-serveErr; startErr != nil {
		err = errors.Join(err, startErr)
	}
	return err
}

// Addr returns the address the server listens on, or nil before it is bound.
func (a *App) Addr() net.Addr {
	return a.server.Addr()
}

// Shutdown gracefully tears down app components in dependency order:
// the HTTP server first (honoring ctx), then the bucket's refill task.
//
// Shutdown is idempotent; after the first call, subsequent calls are no-ops.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if a.bucket != nil {
		a.bucket.Close()
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	slog.Info("application shutdown complete")
	return nil
}

func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Server.MasterKey == "" {
		slog.Warn("GATEWAY_MASTER_KEY not set, /v1 routes accept unauthenticated requests")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	slog.Info("rate limit configured",
		"capacity", cfg.RateLimit.Burst,
		"refill", cfg.RateLimit.Rate,
		"interval", cfg.RateLimit.Interval,
		"timeout", cfg.RateLimit.Timeout,
	)
	slog.Info("upstream configured",
		"base_url", cfg.Upstream.BaseURL,
		"forward_headers", cfg.Upstream.ForwardHeaders,
	)
}
