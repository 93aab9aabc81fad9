// Package migrate runs the schema migrations of the SQL datastores.
package migrate

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/jinglear/jingle/pkg/logger"
	"github.com/jinglear/jingle/pkg/storage"
	"github.com/jinglear/jingle/pkg/storage/mysql"
	"github.com/jinglear/jingle/pkg/storage/postgres"
	"github.com/jinglear/jingle/pkg/storage/sqlite"
)

// MigrationConfig contains the configuration needed for running migrations.
type MigrationConfig = storage.MigrationConfig

// schemaless engines keep no schema to migrate.
var schemaless = []string{"memory", "badger", "remote"}

var (
	defaultRegistry *storage.MigratorRegistry
	registryOnce    sync.Once
)

func initDefaultRegistry(l logger.Logger) {
	registryOnce.Do(func() {
		defaultRegistry = storage.NewMigratorRegistry(
			postgres.NewMigrationProvider().WithLogger(l),
			mysql.NewMigrationProvider().WithLogger(l),
			sqlite.NewMigrationProvider().WithLogger(l),
		)
	})
}

// GetDefaultRegistry returns the registry of the built-in SQL engines. The logger of
// the first call is the one the providers keep.
func GetDefaultRegistry(l logger.Logger) *storage.MigratorRegistry {
	initDefaultRegistry(l)
	return defaultRegistry
}

// RunMigrationsWithRegistry runs migrations using a specific migration registry.
func RunMigrationsWithRegistry(ctx context.Context, registry *storage.MigratorRegistry, cfg MigrationConfig, l logger.Logger) error {
	if slices.Contains(schemaless, cfg.Engine) {
		l.Info(fmt.Sprintf("no migrations to run for `%s` datastore", cfg.Engine))
		return nil
	}

	provider, err := registry.MustProvider(cfg.Engine)
	if err != nil {
		return err
	}

	return provider.RunMigrations(ctx, cfg)
}

// RunMigrations migrates the datastore described by cfg up, or to cfg.TargetVersion.
func RunMigrations(ctx context.Context, cfg MigrationConfig, l logger.Logger) error {
	return RunMigrationsWithRegistry(ctx, GetDefaultRegistry(l), cfg, l)
}
