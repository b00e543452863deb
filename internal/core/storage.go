package core

import (
	"context"
	"fmt"

	"kgmirror/internal/config"
	"kgmirror/internal/infra/persistence/memory"
	"kgmirror/internal/infra/persistence/postgres"
	"kgmirror/internal/infra/persistence/sqlite"
	"kgmirror/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenPersistentStore selects a backend from configuration. The SQL backends
// migrate their schema before returning.
//
//	storage.driver: memory|sqlite|postgres (default sqlite)
//	storage.sqlite_path: path to sqlite file (default ./kgmirror.db)
//	storage.postgres_dsn: postgres DSN when driver=postgres
func OpenPersistentStore(ctx context.Context, cfg config.StorageConfig) (domain.PersistentStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = string(StorageSQLite)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		return sqlite.NewStore(ctx, cfg.SQLitePath)
	case StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
