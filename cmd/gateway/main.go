// Package main is the entry point for the routing gateway. It loads
// configuration, builds the route tree, assembles the middleware stack,
// starts the HTTP server, and handles config hot-reload and graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/routegate/routegate/internal/admin"
	"github.com/routegate/routegate/internal/config"
	"github.com/routegate/routegate/internal/gateway"
	"github.com/routegate/routegate/internal/health"
	"github.com/routegate/routegate/internal/logging"
	"github.com/routegate/routegate/internal/metrics"
	"github.com/routegate/routegate/internal/middleware"
	"github.com/routegate/routegate/internal/server"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger for errors before the configured output is known.
	bootLog := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logOut, err := logOutput(cfg.Logging)
	if err != nil {
		bootLog.Error("failed to open log output", "error", err)
		os.Exit(1)
	}
	defer logOut.Close()

	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: slog.LevelInfo}))

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"routes", cfg.RouteCount(),
		"auth_enabled", cfg.Auth.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"admin_enabled", cfg.Admin.Enabled,
		"max_body_bytes", cfg.Server.MaxBodyBytes,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}
	setRouteGauge(cfg)

	// Build the route tree
	rt, err := gateway.Build(cfg, logger)
	if err != nil {
		logger.Error("failed to build route tree", "error", err)
		os.Exit(1)
	}

	srv := server.New(rt, logger)

	// Assemble middleware stack:
	// Recovery → RequestID → SecurityHeaders → Logging → CORS → BodyLimit → Deadline → dispatch
	var handler http.Handler = srv
	handler = middleware.Deadline(cfg.Server.GlobalTimeout())(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.Logging(logger, &middleware.LoggingConfig{
		BodyLogging:     cfg.Logging.BodyLogging,
		MaxBodyLogBytes: cfg.Logging.MaxBodyLogBytes,
	})(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// The reloader doubles as the live-config source for the admin API.
	reloader := config.NewReloader(*configPath, cfg, logger)

	// Health, metrics, and admin live on a separate mux so they bypass the
	// request middleware stack.
	mux := http.NewServeMux()
	health.New(srv, logger).RegisterRoutes(mux)

	if cfg.Admin.Enabled {
		admin.New(reloader, srv, cfg.Admin.IPAllowlist, logger).RegisterRoutes(mux)
		logger.Info("admin endpoints registered", "allowlist", cfg.Admin.IPAllowlist)
	}

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	// The ops surface (ports, paths, allowlist) is fixed at startup; only
	// the route tree and its auth settings follow reloads.
	adminEnabled := cfg.Admin.Enabled
	metricsEnabled := cfg.Metrics.IsEnabled()
	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health",
			r.URL.Path == "/ready",
			adminEnabled && strings.HasPrefix(r.URL.Path, "/admin/"),
			metricsEnabled && r.URL.Path == metricsPath:
			mux.ServeHTTP(w, r)
		default:
			handler.ServeHTTP(w, r)
		}
	})

	// On successful config reload, rebuild the route tree and swap it in.
	// Breaker state carries over for backends present in both trees.
	reloader.OnReload(func(newCfg *config.Config) {
		newRt, err := srv.Runtime().Rebuild(newCfg, logger)
		if err != nil {
			logger.Error("route tree rebuild failed, keeping current runtime", "error", err)
			return
		}
		srv.Swap(newRt)
		setRouteGauge(newCfg)
		logger.Info("route tree swapped", "routes", newCfg.RouteCount())
	})
	reloader.Start()
	defer reloader.Stop()

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("starting gateway", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway stopped gracefully")
}

// setRouteGauge publishes the route tree size by kind. All kinds are set
// every time so a kind that disappears on reload drops to zero.
func setRouteGauge(cfg *config.Config) {
	counts := cfg.RouteCount()
	for _, kind := range []string{"respond", "backend", "upgrade", "delegate"} {
		metrics.RoutesConfigured.WithLabelValues(kind).Set(float64(counts[kind]))
	}
}

// logOutput maps the configured log destination to a writer. Anything that
// is not stdout or stderr is treated as a file path with size rotation.
func logOutput(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "", "stdout":
		return nopCloser{os.Stdout}, nil
	case "stderr":
		return nopCloser{os.Stderr}, nil
	default:
		return logging.NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
