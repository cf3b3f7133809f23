package core

import (
	"context"
	"fmt"
	"os"
	"strings"

	"trackcore/internal/infra/persistence/memory"
	"trackcore/internal/infra/persistence/postgres"
	"trackcore/internal/infra/persistence/sqlite"
	"trackcore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// Environment variables read by StorageConfigFromEnv.
const (
	EnvStorageDriver = "TRACKCORE_STORAGE_DRIVER"
	EnvSQLitePath    = "TRACKCORE_SQLITE_PATH"
	EnvPostgresDSN   = "TRACKCORE_POSTGRES_DSN"
)

// PersistentStore stores objects and review collections in one backend.
type PersistentStore interface {
	domain.ObjectStore
	domain.ReviewStore
}

// StorageConfig selects and parameterises a backend.
type StorageConfig struct {
	Driver      StorageDriver `yaml:"driver" validate:"omitempty,oneof=memory sqlite postgres"`
	SQLitePath  string        `yaml:"sqlite_path"`
	PostgresDSN string        `yaml:"postgres_dsn"`
}

// StorageConfigFromEnv reads the storage settings from the environment.
//
//	TRACKCORE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	TRACKCORE_SQLITE_PATH: path to sqlite file (default ./trackcore.db)
//	TRACKCORE_POSTGRES_DSN: postgres DSN when driver=postgres
func StorageConfigFromEnv() StorageConfig {
	return StorageConfig{
		Driver:      StorageDriver(strings.ToLower(strings.TrimSpace(os.Getenv(EnvStorageDriver)))),
		SQLitePath:  os.Getenv(EnvSQLitePath),
		PostgresDSN: os.Getenv(EnvPostgresDSN),
	}
}

// OpenPersistentStore selects a backend using environment variables.
// Defaults to sqlite when unset.
func OpenPersistentStore(ctx context.Context) (PersistentStore, error) {
	return OpenStorage(ctx, StorageConfigFromEnv())
}

// OpenStorage opens the backend described by cfg. An empty driver means sqlite.
func OpenStorage(ctx context.Context, cfg StorageConfig) (PersistentStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		return sqlite.NewStore(cfg.SQLitePath)
	case StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

// CloseStorage releases backends that hold a connection.
func CloseStorage(store PersistentStore) error {
	if c, ok := store.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
