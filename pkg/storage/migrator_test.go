package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeMigrationProvider struct {
	engine  string
	version int64
	runs    int
}

func (m *fakeMigrationProvider) GetSupportedEngine() string {
	return m.engine
}

func (m *fakeMigrationProvider) RunMigrations(context.Context, MigrationConfig) error {
	m.runs++
	return nil
}

func (m *fakeMigrationProvider) GetCurrentVersion(context.Context, MigrationConfig) (int64, error) {
	return m.version, nil
}

func TestMigratorRegistry(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		registry := NewMigratorRegistry()
		require.Empty(t, registry.GetSupportedEngines())

		provider, ok := registry.GetProvider("sqlite")
		require.False(t, ok)
		require.Nil(t, provider)

		_, err := registry.MustProvider("sqlite")
		require.ErrorContains(t, err, "no migration provider registered for engine 'sqlite'")
	})

	t.Run("engines_are_sorted", func(t *testing.T) {
		registry := NewMigratorRegistry(
			&fakeMigrationProvider{engine: "sqlite"},
			&fakeMigrationProvider{engine: "mysql"},
		)
		registry.Register(&fakeMigrationProvider{engine: "postgres"})

		require.Equal(t, []string{"mysql", "postgres", "sqlite"}, registry.GetSupportedEngines())

		_, err := registry.MustProvider("badger")
		require.ErrorContains(t, err, "(supported: mysql, postgres, sqlite)")
	})

	t.Run("register_replaces", func(t *testing.T) {
		registry := NewMigratorRegistry()
		first := &fakeMigrationProvider{engine: "sqlite", version: 1}
		second := &fakeMigrationProvider{engine: "sqlite", version: 2}
		registry.Register(first, second)

		got, ok := registry.GetProvider("sqlite")
		require.True(t, ok)
		require.Same(t, second, got)

		require.NoError(t, got.RunMigrations(context.Background(), MigrationConfig{}))
		require.Equal(t, 1, second.runs)
		require.Zero(t, first.runs)
	})
}
