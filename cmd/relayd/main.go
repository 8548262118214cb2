package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"relayd/pkg/async"
	"relayd/pkg/auth"
	"relayd/pkg/broker"
	"relayd/pkg/config"
	"relayd/pkg/events"
	"relayd/pkg/events/plugin"
	"relayd/pkg/events/script"
	"relayd/pkg/observability"
	"relayd/pkg/pipeline"
	"relayd/pkg/realtime"
	"relayd/pkg/router"
	"relayd/pkg/schema"
	"relayd/pkg/store"
	"relayd/pkg/store/docstore"
	"relayd/pkg/store/sqlstore"
)

// Exit codes: 0 success, 1 generic error, 2 config error, 3 storage
// unavailable.
const (
	exitGenericError = 1
	exitConfigError  = 2
	exitStorageError = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigError
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	async.SetLogger(logger)
	logger.Info("Starting relayd")

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	st, err := openStore(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to open storage backend")
		return exitStorageError
	}
	defer st.Close()
	logger.Infof("Storage backend initialized: %s", st.Backend())

	schemas := schema.NewManager(cfg.Server.StateDir, logger)
	if err := schemas.Bootstrap(); err != nil {
		logger.WithError(err).Error("Failed to bootstrap the users collection")
		return exitGenericError
	}

	ctx := context.Background()
	if usersCfg, err := schemas.Load("users"); err == nil {
		if err := st.EnsureCollection(ctx, usersCfg); err != nil {
			logger.WithError(err).Error("Failed to prepare users storage")
			return exitStorageError
		}
	}
	if names, err := schemas.List(); err == nil {
		for _, name := range names {
			if c, err := schemas.Load(name); err == nil && !c.NoStore {
				if err := st.EnsureCollection(ctx, c); err != nil {
					logger.WithError(err).WithField("collection", name).Warn("Failed to prepare collection storage")
				}
			}
		}
	}

	host := events.NewHost(cfg.Server.StateDir, 10*time.Second, logger, metrics)
	host.Register(".lua", script.New())
	host.Register(".go", plugin.New(filepath.Join(cfg.Server.StateDir, ".deployd", "plugins"), logger))

	// Script and config edits invalidate the compilation and schema caches.
	if err := schemas.Watch(host.Invalidate); err != nil {
		logger.WithError(err).Warn("Script hot-reload watcher unavailable; restart to pick up script changes")
	}

	var b broker.Broker
	if cfg.Realtime.RedisURL != "" {
		rb, err := broker.NewRedis(cfg.Realtime.RedisURL, logger, metrics)
		if err != nil {
			logger.WithError(err).Warn("Broker unavailable; realtime events degrade to local-only delivery")
			b = broker.NewMemory()
		} else {
			b = rb
			logger.Info("Redis broker connected")
		}
	} else {
		b = broker.NewMemory()
	}

	tokens := auth.NewTokenIssuer(cfg.Security.JWTSecret, cfg.Security.JWTExpiration)
	hub := realtime.NewHub(cfg.Realtime.ServerID, tokens, b, logger, metrics)

	p := pipeline.New(st, schemas, host, hub, logger, cfg.Server.Production)

	rt := router.New(router.Options{
		Config:   cfg,
		Pipeline: p,
		Schemas:  schemas,
		Store:    st,
		Tokens:   tokens,
		Hub:      hub,
		Audit:    auth.NewAuditLogger(logger),
		Log:      logger,
		Metrics:  metrics,
	})

	handler := otelhttp.NewHandler(rt.Handler(), "relayd-api",
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
	)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(st, b))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:         ":" + cfg.Server.HealthPort,
		Handler:      healthMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("Starting health/metrics server on port %s", cfg.Server.HealthPort)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	// Teardown order matters: stop the health listener, drop WebSocket
	// clients, disconnect the broker, stop the script watcher. The store
	// closes last, via the deferred Close above, once run returns.
	shutdownManager := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdownManager.RegisterCloser("health server", func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdownManager.RegisterCloser("realtime hub", func(context.Context) error {
		hub.Close()
		return nil
	})
	shutdownManager.RegisterCloser("broker", func(context.Context) error {
		return b.Close()
	})
	shutdownManager.RegisterCloser("schema watcher", func(context.Context) error {
		return schemas.Close()
	})

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s:%s", cfg.Server.Host, cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logger.WithError(err).Error("HTTP server failed")
		return exitGenericError
	case <-waitShutdown(shutdownManager, logger):
	}

	logger.Info("Server shutdown complete")
	return 0
}

// waitShutdown runs the shutdown manager's signal wait on its own channel
// so main can also react to a listener failure.
func waitShutdown(sm *observability.ShutdownManager, logger *observability.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		if err := sm.WaitForShutdown(); err != nil {
			logger.WithError(err).Error("Graceful shutdown failed")
		}
		close(done)
	}()
	return done
}

// openStore selects the backend from DATABASE_URL: bolt://<path> for the
// document store, sqlite://<path> for the hybrid column+JSON store.
func openStore(cfg *config.Config) (store.Store, error) {
	dsn := cfg.Storage.DatabaseURL
	switch {
	case strings.HasPrefix(dsn, "bolt://"):
		path := strings.TrimPrefix(dsn, "bolt://")
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		return docstore.Open(path)
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		return sqlstore.Open(path)
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme: %s", dsn)
	}
}
