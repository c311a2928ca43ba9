package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/config"
	"github.com/aggiestack/aggiestack/internal/inventory"
	"github.com/aggiestack/aggiestack/internal/repository/etcd"
	"github.com/aggiestack/aggiestack/internal/repository/memory"
	"github.com/aggiestack/aggiestack/internal/repository/postgres"
	"github.com/aggiestack/aggiestack/internal/repository/redis"
	"github.com/aggiestack/aggiestack/internal/services"
)

// backend is the inventory and infrastructure one command runs against.
type backend struct {
	logger *zap.Logger

	store    inventory.Store
	memory   *memory.Store
	fileLock *memory.FileLock
	cache    *redis.Cache
	etcd     *etcd.Client
	registry *services.Registry

	stateFile string
}

// openBackend connects to the configured inventory store and optional infrastructure.
// A memory backend holds the state file lock until close, so one command's
// load, change and save never interleave with another's.
func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	b := &backend{logger: logger, stateFile: cfg.Store.StateFile}

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := postgres.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		b.store = postgres.NewStore(db, logger)

	default:
		if cfg.Store.StateFile != "" {
			lock, err := memory.LockStateFile(ctx, cfg.Store.StateFile, cfg.Store.LockTimeout)
			if err != nil {
				return nil, err
			}
			b.fileLock = lock
		}

		store, err := loadMemory(cfg.Store, logger)
		if err != nil {
			b.close()
			return nil, err
		}
		b.memory = store
		b.store = store
	}

	var deps services.Dependencies

	if cfg.Redis.Enabled {
		cache, err := redis.NewCache(cfg.Redis, logger)
		if err != nil {
			b.close()
			return nil, err
		}
		b.cache = cache
		deps.CatalogCache = cache
		deps.Remote = cache
	}

	if cfg.Etcd.Enabled {
		client, err := etcd.NewClient(cfg.Etcd, logger)
		if err != nil {
			b.close()
			return nil, err
		}
		b.etcd = client
		deps.Locker = etcd.NewInventoryLocker(client, cfg.Etcd.LockTimeout)
	}

	b.registry = services.NewRegistry(b.store, deps, logger)
	return b, nil
}

// loadMemory reads the state file. A fresh state file is seeded with the demo
// datacenter when seeding is enabled.
func loadMemory(cfg config.StoreConfig, logger *zap.Logger) (*memory.Store, error) {
	if cfg.StateFile == "" {
		store := memory.NewStore()
		if cfg.Seed {
			store.Seed(memory.DemoFixture())
		}
		return store, nil
	}

	_, statErr := os.Stat(cfg.StateFile)
	fresh := errors.Is(statErr, os.ErrNotExist)

	store, err := memory.LoadFile(cfg.StateFile)
	if err != nil {
		return nil, err
	}
	if fresh && cfg.Seed {
		logger.Info("Seeding new state file", zap.String("path", cfg.StateFile))
		store.Seed(memory.DemoFixture())
	}
	return store, nil
}

// save persists the memory store. Other backends commit on their own.
func (b *backend) save() error {
	if b.memory == nil || b.stateFile == "" {
		return nil
	}
	if err := b.memory.SaveFile(b.stateFile); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	b.logger.Debug("State saved", zap.String("path", b.stateFile))
	return nil
}

func (b *backend) close() {
	if b.etcd != nil {
		if err := b.etcd.Close(); err != nil {
			b.logger.Warn("Failed to close etcd", zap.Error(err))
		}
	}
	if b.cache != nil {
		if err := b.cache.Close(); err != nil {
			b.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			b.logger.Warn("Failed to close inventory store", zap.Error(err))
		}
	}
	if err := b.fileLock.Unlock(); err != nil {
		b.logger.Warn("Failed to release state file lock", zap.Error(err))
	}
}
