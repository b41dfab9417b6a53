// Package main runs flagwatch, a small process embedding the Heimdall client.
//
// It acts as the composition root of the SDK: configuration, logging, the
// optional durable store, the HTTP connector and the diagnostics server. Watched
// flags are evaluated and logged whenever the authority changes them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rafaeljc/heimdall-client/internal/cache"
	"github.com/rafaeljc/heimdall-client/internal/config"
	"github.com/rafaeljc/heimdall-client/internal/database"
	"github.com/rafaeljc/heimdall-client/internal/logger"
	"github.com/rafaeljc/heimdall-client/internal/observability"
	"github.com/rafaeljc/heimdall-client/pkg/client"
	"github.com/rafaeljc/heimdall-client/pkg/connector/httpconnector"
	"github.com/rafaeljc/heimdall-client/pkg/store"
)

// poolMonitorInterval is how often connection pool statistics are published.
const poolMonitorInterval = 15 * time.Second

// main is the application entrypoint.
func main() {
	if err := run(); err != nil {
		log.Printf("Fatal error: %v", err)
		os.Exit(1)
	}
}

// run executes the process lifecycle.
func run() error {
	// -------------------------------------------------------------------------
	// 1. Configuration & Logging
	// -------------------------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	appLog := logger.New(&cfg.App)
	slog.SetDefault(appLog)
	cfg.LogConfig(appLog)

	watches, err := parseWatches(cfg.Client.WatchFlags)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, appLog)

	// -------------------------------------------------------------------------
	// 2. Durable Store (optional)
	// -------------------------------------------------------------------------
	st, checkers, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	// Deferred first so it runs after the client has stopped writing.
	defer closeStore(appLog, st)

	// -------------------------------------------------------------------------
	// 3. Client Wiring
	// -------------------------------------------------------------------------
	conn, err := httpconnector.New(logger.Component(appLog, "httpconnector"), httpconnector.Config{
		SDKKey:           cfg.Client.SDKKey,
		ConfigURL:        cfg.Client.ConfigURL,
		EventsURL:        cfg.Client.EventsURL,
		TargetIdentifier: cfg.Client.TargetIdentifier,
		Timeout:          cfg.Client.HTTPTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create connector: %w", err)
	}

	clientCfg := client.DefaultConfig()
	clientCfg.PollInterval = cfg.Client.PollInterval
	clientCfg.StreamEnabled = cfg.Client.StreamEnabled
	clientCfg.AnalyticsEnabled = cfg.Client.AnalyticsEnabled
	clientCfg.MetricsFlushInterval = cfg.Client.MetricsFlushInterval
	clientCfg.MetricsQueueSize = cfg.Client.MetricsQueueSize
	clientCfg.AuthRefreshInterval = cfg.Client.AuthRefreshInterval

	// From here on the client owns the connector.
	c, err := client.New(ctx, appLog, clientCfg, conn, st)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			appLog.Error("failed to close client", slog.String("error", err.Error()))
		}
	}()

	w := newWatcher(appLog, c, cfg.Client.TargetIdentifier, watches)
	c.On(client.EventReady, w.onReady)
	c.On(client.EventChanged, w.onChanged)

	// -------------------------------------------------------------------------
	// 4. Diagnostics Server
	// -------------------------------------------------------------------------
	var diag *observability.Server
	if cfg.Observability.Enabled {
		diag = observability.NewServer(appLog, &cfg.Observability, append(checkers, c.Checker())...)
		diag.HandleStatus(func() any { return c.Status() })
		diag.Start()
	}

	// -------------------------------------------------------------------------
	// 5. Initialization & Graceful Shutdown
	// -------------------------------------------------------------------------
	initCtx, cancelInit := context.WithTimeout(ctx, cfg.Client.InitTimeout)
	err = c.WaitForInitialization(initCtx)
	cancelInit()
	switch {
	case errors.Is(err, client.ErrInitializationFailed):
		shutdownDiagnostics(appLog, diag, cfg.App.ShutdownTimeout)
		return err
	case err != nil && ctx.Err() == nil:
		// Keep serving defaults; the client becomes ready once the authority answers.
		appLog.Warn("client not ready yet, serving defaults", slog.String("error", err.Error()))
	}

	<-ctx.Done()
	appLog.Info("shutdown signal received, stopping")

	shutdownDiagnostics(appLog, diag, cfg.App.ShutdownTimeout)
	appLog.Info("flagwatch exited successfully")
	return nil
}

// openStore connects the configured backend. It returns a nil store for the
// "none" backend, plus readiness checkers for the backend's connection.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, []observability.Checker, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		return store.NewMemoryStore(), nil, nil

	case config.StoreBackendRedis:
		rdb, err := cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		go cache.RunPoolMonitor(ctx, rdb, poolMonitorInterval)
		checker := observability.NewChecker("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		return store.NewRedisStore(rdb, cfg.Store.KeyPrefix), []observability.Checker{checker}, nil

	case config.StoreBackendPostgres:
		pool, err := database.NewPostgresPool(ctx, &cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		pg := store.NewPostgresStore(pool, cfg.Store.KeyPrefix)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		go database.RunPoolMonitor(ctx, pool, poolMonitorInterval)
		return pg, []observability.Checker{observability.NewChecker("postgres", pool.Ping)}, nil

	case config.StoreBackendSQLite:
		lite, err := store.OpenSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return lite, []observability.Checker{observability.NewChecker("sqlite", lite.Ping)}, nil

	default:
		return nil, nil, nil
	}
}

func closeStore(log *slog.Logger, st store.Store) {
	if st == nil {
		return
	}
	if err := st.Close(); err != nil {
		log.Error("failed to close store", slog.String("error", err.Error()))
	}
}

func shutdownDiagnostics(log *slog.Logger, diag *observability.Server, timeout time.Duration) {
	if diag == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := diag.Shutdown(ctx); err != nil {
		log.Error("failed to stop observability server", slog.String("error", err.Error()))
	}
}
