// Package migrate wires the built-in record store engines into a
// migration registry and runs schema migrations from a single config.
package migrate

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/openbinder/openbinder/pkg/storage"
	"github.com/openbinder/openbinder/pkg/storage/sqlite"
)

// MigrationConfig contains the configuration needed for running migrations.
type MigrationConfig = storage.MigrationConfig

var (
	// defaultRegistry is the global migration provider registry.
	defaultRegistry *storage.MigratorRegistry
	registryOnce    sync.Once
)

// initDefaultRegistry initializes the default migration registry with built-in providers.
func initDefaultRegistry() {
	registryOnce.Do(func() {
		defaultRegistry = storage.NewMigratorRegistry()

		defaultRegistry.RegisterProvider("sqlite", sqlite.NewSQLiteMigrationProvider())
	})
}

// GetDefaultRegistry returns the default migration provider registry.
func GetDefaultRegistry() *storage.MigratorRegistry {
	initDefaultRegistry()
	return defaultRegistry
}

// RegisterMigrationProvider allows applications to register custom migration providers.
func RegisterMigrationProvider(engine string, provider storage.MigrationProvider) {
	initDefaultRegistry()
	defaultRegistry.RegisterProvider(engine, provider)
}

// RunMigrationsWithProvider runs migrations using a specific migration provider.
func RunMigrationsWithProvider(provider storage.MigrationProvider, cfg storage.MigrationConfig) error {
	ctx := context.Background()
	return provider.RunMigrations(ctx, cfg)
}

// RunMigrationsWithRegistry runs migrations using a specific migration registry.
func RunMigrationsWithRegistry(registry *storage.MigratorRegistry, cfg storage.MigrationConfig) error {
	if cfg.Engine == "memory" {
		log.Println("no migrations to run for `memory` datastore")
		return nil
	}

	provider, exists := registry.GetProvider(cfg.Engine)
	if !exists {
		return fmt.Errorf("no migration provider registered for engine: %s", cfg.Engine)
	}

	ctx := context.Background()
	return provider.RunMigrations(ctx, cfg)
}

// RunMigrations runs the migrations for the given config using the default
// registry. Embedding applications with their own storage backend can
// register a provider via RegisterMigrationProvider before calling this,
// or bypass the registry entirely with RunMigrationsWithProvider.
func RunMigrations(cfg storage.MigrationConfig) error {
	return RunMigrationsWithRegistry(GetDefaultRegistry(), cfg)
}
