package main

import (
	"context"
	"fmt"

	"github.com/alexjbarnes/ride-sync/internal/config"
	"github.com/alexjbarnes/ride-sync/internal/db"
	"github.com/alexjbarnes/ride-sync/internal/state"
	"github.com/alexjbarnes/ride-sync/internal/syncengine"
)

// queueStore is what both storage drivers provide: the action queue plus
// the cached channel credential.
type queueStore interface {
	syncengine.Store
	Token() string
	SetToken(token string) error
	Role() string
	SetRole(role string) error
	Close() error
}

func openStore(ctx context.Context, cfg *config.Config) (queueStore, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err := db.OpenMigrated(ctx, cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}

		return s, nil
	default:
		s, err := state.LoadAt(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("loading state: %w", err)
		}

		return s, nil
	}
}
