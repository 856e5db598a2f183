package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/tenant-idm/pkg/config"
	"github.com/tendant/tenant-idm/pkg/store"
)

// OpenStore connects the configured backend and, for Postgres, applies the
// migrations. The returned func releases it.
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		s, err := store.NewRedisStore(ctx, cfg.Redis.ToStoreConfig())
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Database.ToDatabaseURL())
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			slog.Error("Failed to connect to database",
				"host", cfg.Database.Host,
				"port", cfg.Database.Port,
				"database", cfg.Database.Database,
				"schema", cfg.Database.Schema,
				"error", err)
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}
		slog.Info("Database connected", "database", cfg.Database.Database, "schema", cfg.Database.Schema)
		if cfg.Store.Migrate {
			if err := store.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("migrate database: %w", err)
			}
		}
		return store.NewPostgresStore(pool), pool.Close, nil

	default:
		slog.Warn("Using the in-memory store, data is lost on restart")
		s := store.NewMemoryStore()
		return s, func() { _ = s.Close() }, nil
	}
}
