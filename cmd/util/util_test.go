package util

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/jinglear/jingle/cmd"
	"github.com/jinglear/jingle/cmd/util/utiltest"
	"github.com/jinglear/jingle/internal/config"
	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/expansion"
	"github.com/jinglear/jingle/pkg/logger"
	"github.com/jinglear/jingle/pkg/storage/storagewrappers"
)

func newFlagSet(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddDatastoreFlags(flags)
	AddExpansionFlags(flags)
	AddObservabilityFlags(flags)
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestEnvName(t *testing.T) {
	require.Equal(t, "JINGLE_DATASTORE_ENGINE", EnvName("datastore-engine"))
	require.Equal(t, "JINGLE_DATASTORE_MAXCACHESIZE", EnvName("datastore_maxCacheSize"))
	require.Equal(t, "JINGLE_TRACE_OTLP_ENDPOINT", EnvName("trace.otlp.endpoint"))
}

func TestEveryFlagHasAConfigKey(t *testing.T) {
	newFlagSet(t).VisitAll(func(flag *pflag.Flag) {
		require.Contains(t, flagKeys, flag.Name)
	})
}

func TestReadConfig(t *testing.T) {
	t.Cleanup(viper.Reset)

	utiltest.WriteConfig(t, `datastore:
  engine: badger
  uri: /var/lib/jingle
expansion:
  maxDepth: 3
`)
	t.Setenv("JINGLE_LOG_LEVEL", "debug")
	t.Setenv("JINGLE_TRACE_SAMPLERATIO", "0.5")

	cmd.NewRootCommand()
	flags := newFlagSet(t, "--review", "--datastore-max-cache-size", "5")
	BindFlagsFunc(flags)(nil, nil)

	cfg, err := ReadConfig()
	require.NoError(t, err)

	require.Equal(t, "badger", cfg.Datastore.Engine)
	require.Equal(t, "/var/lib/jingle", cfg.Datastore.URI)
	require.Equal(t, 5, cfg.Datastore.MaxCacheSize)
	require.Equal(t, 3, cfg.Expansion.MaxDepth)
	require.True(t, cfg.Expansion.ReviewMode)
	require.Equal(t, "debug", cfg.Log.Level)
	require.InDelta(t, 0.5, cfg.Trace.SampleRatio, 1e-9)

	defaults := config.DefaultConfig()
	require.Equal(t, defaults.Expansion.BuildConcurrency, cfg.Expansion.BuildConcurrency)
	require.Equal(t, defaults.Datastore.MaxConcurrentReads, cfg.Datastore.MaxConcurrentReads)
}

func TestReadConfigVerifies(t *testing.T) {
	t.Cleanup(viper.Reset)
	utiltest.WriteConfig(t, `datastore:
  engine: sqlite
`)

	cmd.NewRootCommand()
	BindFlagsFunc(newFlagSet(t))(nil, nil)

	_, err := ReadConfig()
	require.EqualError(t, err, "config 'datastore.uri' is required for the sqlite engine")
}

func TestNewDatastore(t *testing.T) {
	ctx := context.Background()
	l := logger.NewNoopLogger()

	t.Run("memory_is_cached_by_default", func(t *testing.T) {
		cfg := config.MustDefaultConfig()
		ds, err := NewDatastore(ctx, cfg, l)
		require.NoError(t, err)
		t.Cleanup(ds.Close)
		require.IsType(t, &storagewrappers.CachedDatastore{}, ds)
	})

	t.Run("bounded_without_cache", func(t *testing.T) {
		cfg := config.MustDefaultConfig()
		cfg.Datastore.MaxCacheSize = 0
		cfg.Datastore.MaxConcurrentReads = 4
		ds, err := NewDatastore(ctx, cfg, l)
		require.NoError(t, err)
		t.Cleanup(ds.Close)
		require.IsType(t, &storagewrappers.BoundedConcurrencyDatastore{}, ds)
	})

	t.Run("badger", func(t *testing.T) {
		cfg := config.MustDefaultConfig()
		cfg.Datastore.Engine = "badger"
		cfg.Datastore.URI = t.TempDir()
		ds, err := NewDatastore(ctx, cfg, l)
		require.NoError(t, err)
		ds.Close()
	})

	t.Run("unmigrated_sqlite_is_not_ready", func(t *testing.T) {
		cfg := config.MustDefaultConfig()
		cfg.Datastore.Engine = "sqlite"
		cfg.Datastore.URI = filepath.Join(t.TempDir(), "jingle.db")
		_, err := NewDatastore(ctx, cfg, l)
		require.ErrorContains(t, err, "sqlite datastore is not ready")
	})

	t.Run("unsupported_engine", func(t *testing.T) {
		cfg := config.MustDefaultConfig()
		cfg.Datastore.Engine = "cassandra"
		_, err := NewDatastore(ctx, cfg, l)
		require.EqualError(t, err, "storage engine 'cassandra' is unsupported")
	})
}

func TestNewComposer(t *testing.T) {
	ctx := context.Background()
	cfg := config.MustDefaultConfig()
	cfg.Expansion.ReviewMode = true
	cfg.Expansion.MaxDepth = 2

	ds, err := NewDatastore(ctx, cfg, logger.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(ds.Close)

	c := NewComposer(ctx, cfg, ds, logger.NewNoopLogger())
	require.NotNil(t, c)

	// the memory datastore starts empty, so the root has no related entities
	root, err := c.Mount(entity.Entity{ID: "j1", Kind: entity.KindJingle})
	require.NoError(t, err)
	t.Cleanup(root.Close)
	require.Equal(t, expansion.ModeReview, root.Engine.Policy().Mode)
	require.Equal(t, 2, root.Engine.Policy().MaxDepth)
}
