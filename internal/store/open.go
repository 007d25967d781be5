package store

import (
	"context"
	"fmt"

	"github.com/mxwashington/regiq-sub010/internal/config"
)

// Open builds the store named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, PostgresConfig{DSN: cfg.DSN, MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	case "memory", "":
		if cfg.StatePath != "" {
			return NewMemoryWithState(cfg.StatePath)
		}
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
