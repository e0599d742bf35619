package store

import (
	"context"
	"fmt"

	"pushpipe/internal/config"
	"pushpipe/internal/db"
)

// New opens the store selected by cfg.Driver.
func New(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(nil), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.SQLitePath, nil)
	case "postgres":
		return OpenPostgres(ctx, cfg.DatabaseURL.Reveal(), db.PoolOptions{
			MaxConns:       cfg.MaxConns,
			MinConns:       cfg.MinConns,
			AcquireTimeout: cfg.ConnTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
