// Package app wires the configured storage backend for the partograph
// binaries.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-partograph/internal/config"
	"github.com/drfirst/go-partograph/internal/domain/partograph"
	"github.com/drfirst/go-partograph/internal/infrastructure/memory"
	"github.com/drfirst/go-partograph/internal/infrastructure/postgres"
	"github.com/drfirst/go-partograph/internal/infrastructure/sqlite"
)

// Backend is an opened store with its lifecycle hooks
type Backend struct {
	Driver string
	Store  partograph.Store
	// Pool is set for the postgres driver
	Pool  *pgxpool.Pool
	ping  func(context.Context) error
	close func()
}

// Ping checks the backend is reachable
func (b *Backend) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

// Close releases the backend's connections
func (b *Backend) Close() {
	if b.close != nil {
		b.close()
	}
}

// OpenStore opens the store selected by cfg.Storage and applies its schema
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		return &Backend{Driver: config.DriverMemory, Store: memory.NewStore()}, nil

	case config.DriverSQLite:
		store, err := sqlite.Open(cfg.Storage.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("using sqlite store", zap.String("path", store.Path()))
		return &Backend{
			Driver: config.DriverSQLite,
			Store:  store,
			ping:   store.Ping,
			close:  func() { _ = store.Close() },
		}, nil

	case config.DriverPostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse database url: %w", err)
		}
		if cfg.Storage.MaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.Storage.MaxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("database ping failed: %w", err)
		}
		store := postgres.NewStore(pool, cfg.Redpanda.Topic, logger)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("connected to database")
		return &Backend{
			Driver: config.DriverPostgres,
			Store:  store,
			Pool:   pool,
			ping:   store.Ping,
			close:  pool.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}
