// Package database provides the PostgreSQL pool factory used by the postgres store backend.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/heimdall-client/internal/config"
	"github.com/rafaeljc/heimdall-client/internal/logger"
	"github.com/rafaeljc/heimdall-client/internal/observability"
)

// NewPostgresPool builds a pool from cfg and pings it until it answers or
// PingMaxRetries is exhausted. The caller owns the returned pool.
func NewPostgresPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config cannot be nil")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	maxRetries := max(cfg.PingMaxRetries, 1)
	backoff := cfg.PingBackoff
	log := logger.FromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, max(cfg.ConnectTimeout, time.Second))
		lastErr = pool.Ping(pingCtx)
		cancel()

		if lastErr == nil {
			log.Info("postgres ping successful", slog.Int("attempt", attempt))
			return pool, nil
		}

		log.Warn("postgres ping failed",
			slog.Int("attempt", attempt),
			slog.Int("max_retries", maxRetries),
			slog.String("error", lastErr.Error()),
		)
		if attempt == maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	pool.Close()
	return nil, fmt.Errorf("failed to ping database after %d retries: %w", maxRetries, lastErr)
}

// RunPoolMonitor publishes pool statistics every interval until ctx is done.
func RunPoolMonitor(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prevCount int64
	var prevDuration time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := pool.Stat()

			observability.DatabasePoolConnections.WithLabelValues("max").Set(float64(stats.MaxConns()))
			observability.DatabasePoolConnections.WithLabelValues("total").Set(float64(stats.TotalConns()))
			observability.DatabasePoolConnections.WithLabelValues("idle").Set(float64(stats.IdleConns()))
			observability.DatabasePoolConnections.WithLabelValues("in_use").Set(float64(stats.AcquiredConns()))

			count, duration := stats.AcquireCount(), stats.AcquireDuration()
			observability.DatabasePoolAcquireCount.Add(float64(count - prevCount))
			observability.DatabasePoolAcquireDuration.Add((duration - prevDuration).Seconds())
			prevCount, prevDuration = count, duration
		}
	}
}
