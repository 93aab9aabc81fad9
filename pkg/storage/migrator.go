package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// MigrationProvider migrates the schema of one SQL engine.
type MigrationProvider interface {
	// RunMigrations migrates to config.TargetVersion, or to the latest revision when it is zero.
	RunMigrations(ctx context.Context, config MigrationConfig) error

	GetCurrentVersion(ctx context.Context, config MigrationConfig) (int64, error)

	// GetSupportedEngine is the engine name the provider is registered under.
	GetSupportedEngine() string
}

type MigrationConfig struct {
	Engine        string
	URI           string
	TargetVersion uint
	Timeout       time.Duration
	Verbose       bool
	Username      string
	Password      string
}

// MigratorRegistry maps engine names to their migration providers.
type MigratorRegistry struct {
	providers map[string]MigrationProvider
}

// NewMigratorRegistry returns a registry holding providers.
func NewMigratorRegistry(providers ...MigrationProvider) *MigratorRegistry {
	r := &MigratorRegistry{providers: make(map[string]MigrationProvider, len(providers))}
	r.Register(providers...)
	return r
}

// Register adds the providers under their engine names. A later provider replaces an
// earlier one of the same engine.
func (r *MigratorRegistry) Register(providers ...MigrationProvider) {
	for _, p := range providers {
		r.providers[p.GetSupportedEngine()] = p
	}
}

func (r *MigratorRegistry) GetProvider(engine string) (MigrationProvider, bool) {
	provider, exists := r.providers[engine]
	return provider, exists
}

// MustProvider is GetProvider with an error naming the supported engines.
func (r *MigratorRegistry) MustProvider(engine string) (MigrationProvider, error) {
	if p, ok := r.providers[engine]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no migration provider registered for engine '%s' (supported: %s)",
		engine, strings.Join(r.GetSupportedEngines(), ", "))
}

// GetSupportedEngines returns the registered engine names, sorted.
func (r *MigratorRegistry) GetSupportedEngines() []string {
	return slices.Sorted(maps.Keys(r.providers))
}
