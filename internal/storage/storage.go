package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/logger"
)

// Open builds the Store selected by cfg and verifies connectivity, retrying
// the initial ping with exponential backoff so the engine survives a storage
// backend that comes up a little later than the server.
func Open(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case config.StorageSQLite:
		store, err = NewSQLite(cfg.SQLitePath)
	case config.StorageRedis:
		store, err = NewRedis(cfg.RedisURL)
	case config.StoragePostgres:
		store, err = NewPostgres(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Backend, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if perr := store.Ping(ctx); perr != nil {
			log.Warn("storage not ready, retrying")
			return struct{}{}, perr
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(30*time.Second))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("storage ping: %w", err)
	}

	log.Info("storage ready")
	return store, nil
}
