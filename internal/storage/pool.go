// Package storage provides the PostgreSQL storage layer for EduAssist.
//
// A single pgxpool.Pool serves identity lookups and audit writes directly
// and backs the gorm handle used for domain entities, so both share one set
// of connections.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/eduassist/eduassist/internal/telemetry"
)

// DB wraps a pgxpool.Pool for identity, link and audit queries.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects a pool to dsn and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	// Audit rows carry UTC timestamps; keep session arithmetic in UTC too.
	poolCfg.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	logger.Info("storage: connected", "max_conns", poolCfg.MaxConns)
	return &DB{pool: pool, logger: logger}, nil
}

// RegisterPoolMetrics exposes pool occupancy as observable gauges. Call
// after telemetry.Init so the gauges reach the exporting provider.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("eduassist/storage")

	_, _ = meter.Int64ObservableGauge("eduassist.db.pool.acquired",
		metric.WithDescription("Connections currently checked out of the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("eduassist.db.pool.idle",
		metric.WithDescription("Idle connections held by the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("eduassist.db.pool.max",
		metric.WithDescription("Configured pool size"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().MaxConns()))
			return nil
		}),
	)
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}
