package config

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gateway "github.com/llm-dev-ops/marketplace/internal"
	"github.com/llm-dev-ops/marketplace/internal/storage"
)

// Bootstrap seeds the service catalog from the operator-authored services
// file on first run. Services already present in the store are left
// untouched: Bootstrap seeds, it doesn't reconcile.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	seeds, err := LoadServices(cfg.ServicesFile)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, seed := range seeds {
		_, err := store.GetService(ctx, seed.ID)
		if err == nil {
			continue // already exists, skip
		}
		if !errors.Is(err, gateway.ErrNotFound) {
			return err
		}

		svc := seed.ToService(now)
		if err := store.CreateService(ctx, &svc); err != nil {
			return err
		}
		slog.Info("bootstrapped service", "id", svc.ID, "name", svc.Name)
	}

	return nil
}
