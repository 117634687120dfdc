package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/clinprecision/clinops/internal/services/study/bus"
	"github.com/clinprecision/clinops/internal/services/study/storage"
	"github.com/clinprecision/clinops/internal/services/study/storage/memory"
	"github.com/clinprecision/clinops/internal/services/study/storage/postgres"
	"github.com/clinprecision/clinops/internal/services/study/storage/sqlite"
)

// storageBundle groups the stores one backend provides.
type storageBundle struct {
	journal   storage.EventStore
	readStore storage.ReadStore
	legacy    storage.LegacyStudyStore
	closers   []func() error
}

// Close releases every store in reverse open order.
func (b *storageBundle) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// bootstrapConfig holds the startup seams tests replace.
type bootstrapConfig struct {
	openStorage func(context.Context, Config) (*storageBundle, error)
	openBus     func(Config, zerolog.Logger) (bus.Bus, func() error, error)
}

func normalizeBootstrapConfig(cfg bootstrapConfig) bootstrapConfig {
	if cfg.openStorage == nil {
		cfg.openStorage = openStorageBundle
	}
	if cfg.openBus == nil {
		cfg.openBus = openBus
	}
	return cfg
}

func openStorageBundle(ctx context.Context, cfg Config) (*storageBundle, error) {
	switch cfg.Backend {
	case BackendSQLite:
		return openSQLiteBundle(cfg)
	case BackendPostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN, cfg.Keyring)
		if err != nil {
			return nil, err
		}
		return &storageBundle{
			journal:   store,
			readStore: store,
			legacy:    store,
			closers:   []func() error{store.Close},
		}, nil
	default:
		readStore := memory.NewReadStore()
		return &storageBundle{
			journal:   memory.NewJournal(cfg.Keyring),
			readStore: readStore,
			legacy:    readStore,
		}, nil
	}
}

var (
	openSQLiteEvents      = sqlite.OpenEvents
	openSQLiteProjections = sqlite.OpenProjections
)

func openSQLiteBundle(cfg Config) (*storageBundle, error) {
	for _, path := range []string{cfg.EventsDBPath, cfg.ProjectionsDBPath} {
		if err := ensureDir(path); err != nil {
			return nil, err
		}
	}
	journal, err := openSQLiteEvents(cfg.EventsDBPath, cfg.Keyring)
	if err != nil {
		return nil, fmt.Errorf("open events store: %w", err)
	}
	readStore, err := openSQLiteProjections(cfg.ProjectionsDBPath)
	if err != nil {
		if closeErr := journal.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close events store: %w", closeErr))
		}
		return nil, fmt.Errorf("open projections store: %w", err)
	}
	return &storageBundle{
		journal:   journal,
		readStore: readStore,
		legacy:    readStore,
		closers:   []func() error{journal.Close, readStore.Close},
	}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	return nil
}

func openBus(cfg Config, logger zerolog.Logger) (bus.Bus, func() error, error) {
	if cfg.RedisAddr == "" {
		return bus.NewMemory(0), func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	b, err := bus.NewRedis(client, cfg.RedisChannel, logger)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return b, b.Close, nil
}
