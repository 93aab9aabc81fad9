package util

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jinglear/jingle/internal/config"
	"github.com/jinglear/jingle/pkg/expansion"
	"github.com/jinglear/jingle/pkg/logger"
	"github.com/jinglear/jingle/pkg/relationship"
	"github.com/jinglear/jingle/pkg/retryablehttp"
	"github.com/jinglear/jingle/pkg/storage"
	"github.com/jinglear/jingle/pkg/storage/badger"
	"github.com/jinglear/jingle/pkg/storage/memory"
	"github.com/jinglear/jingle/pkg/storage/mysql"
	"github.com/jinglear/jingle/pkg/storage/postgres"
	"github.com/jinglear/jingle/pkg/storage/remote"
	"github.com/jinglear/jingle/pkg/storage/sqlcommon"
	"github.com/jinglear/jingle/pkg/storage/sqlite"
	"github.com/jinglear/jingle/pkg/storage/storagewrappers"
	"github.com/jinglear/jingle/pkg/telemetry"
)

// ReadConfig layers the config file, environment variables and bound flags over the
// defaults and verifies the result.
func ReadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewDatastore opens the datastore cfg selects, checks that it is ready and wraps it with
// the read limiter and the read cache when they are configured.
func NewDatastore(ctx context.Context, cfg *config.Config, l logger.Logger) (storage.Datastore, error) {
	dsCfg := sqlcommon.NewConfig(
		sqlcommon.WithUsername(cfg.Datastore.Username),
		sqlcommon.WithPassword(cfg.Datastore.Password),
		sqlcommon.WithReadUsername(cfg.Datastore.ReadUsername),
		sqlcommon.WithReadPassword(cfg.Datastore.ReadPassword),
		sqlcommon.WithLogger(l),
		sqlcommon.WithMaxOpenConns(cfg.Datastore.MaxOpenConns),
		sqlcommon.WithMaxIdleConns(cfg.Datastore.MaxIdleConns),
		sqlcommon.WithConnMaxIdleTime(cfg.Datastore.ConnMaxIdleTime),
		sqlcommon.WithConnMaxLifetime(cfg.Datastore.ConnMaxLifetime),
	)
	if cfg.Datastore.Metrics.Enabled {
		sqlcommon.WithMetrics()(dsCfg)
	}

	var (
		datastore storage.Datastore
		err       error
	)
	switch cfg.Datastore.Engine {
	case memory.Engine:
		datastore = memory.New()
	case sqlite.Engine:
		datastore, err = sqlite.New(cfg.Datastore.URI, dsCfg)
	case postgres.Engine:
		var opts []postgres.Option
		if cfg.Datastore.ReadURI != "" {
			opts = append(opts, postgres.WithReadDB(cfg.Datastore.ReadURI, dsCfg))
		}
		datastore, err = postgres.New(cfg.Datastore.URI, dsCfg, opts...)
	case mysql.Engine:
		datastore, err = mysql.New(cfg.Datastore.URI, dsCfg)
	case badger.Engine:
		datastore, err = badger.New(badger.Options{Dir: cfg.Datastore.URI, Logger: l})
	case remote.Engine:
		client := retryablehttp.NewClient(retryablehttp.WithMaxElapsedTime(cfg.Expansion.FetchTimeout))
		datastore, err = remote.New(cfg.Datastore.URI,
			remote.WithHTTPClient(client.StandardClient()),
			remote.WithToken(cfg.Datastore.Password),
		)
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", cfg.Datastore.Engine)
	}
	if err != nil {
		return nil, fmt.Errorf("initialize %s datastore: %w", cfg.Datastore.Engine, err)
	}

	status, err := datastore.IsReady(ctx)
	if err != nil || !status.IsReady {
		datastore.Close()
		if err == nil {
			err = errors.New(status.Message)
		}
		return nil, fmt.Errorf("%s datastore is not ready: %w", cfg.Datastore.Engine, err)
	}

	l.Info(fmt.Sprintf("using '%v' storage engine", cfg.Datastore.Engine))

	if cfg.Datastore.MaxConcurrentReads != math.MaxUint32 {
		datastore = storagewrappers.NewBoundedConcurrencyDatastore(datastore, cfg.Datastore.MaxConcurrentReads)
	}
	if cfg.Datastore.MaxCacheSize > 0 {
		datastore = storagewrappers.NewCachedDatastore(datastore,
			storagewrappers.WithMaxCacheSize(int64(cfg.Datastore.MaxCacheSize)),
			storagewrappers.WithCacheTTL(cfg.Datastore.CacheTTL),
		)
	}
	return datastore, nil
}

// NewComposer binds the default relationship catalogue to ds and returns a composer
// configured by cfg. Committed property edits are written back to ds.
func NewComposer(ctx context.Context, cfg *config.Config, ds storage.Datastore, l logger.Logger) *expansion.Composer {
	var providerOpts []relationship.CatalogProviderOption
	if cfg.Expansion.CountHints {
		providerOpts = append(providerOpts, relationship.WithCountHints())
	}
	return expansion.NewComposer(
		relationship.NewCatalogProvider(ds, relationship.DefaultCatalog, providerOpts...),
		expansion.WithComposerMode(expansion.ModeFor(cfg.Expansion.ReviewMode)),
		expansion.WithComposerMaxDepth(cfg.Expansion.MaxDepth),
		expansion.WithComposerFetchTimeout(cfg.Expansion.FetchTimeout),
		expansion.WithBuildConcurrency(cfg.Expansion.BuildConcurrency),
		expansion.WithComposerCommitter(ds),
		expansion.WithComposerLogger(l),
		expansion.WithComposerContext(ctx),
	)
}

// StartTracing installs the tracer provider cfg asks for.
func StartTracing(cfg *config.Config, l logger.Logger) telemetry.TracerProvider {
	if !cfg.Trace.Enabled {
		return telemetry.Disabled()
	}

	l.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s'",
		cfg.Trace.SampleRatio, cfg.Trace.OTLP.Endpoint))

	return telemetry.MustNewTracerProvider(
		telemetry.WithOTLPEndpoint(cfg.Trace.OTLP.Endpoint),
		telemetry.WithServiceName(cfg.Trace.ServiceName),
		telemetry.WithSamplingRatio(cfg.Trace.SampleRatio),
	)
}

func stopTracing(tp telemetry.TracerProvider) error {
	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	return tp.Shutdown(ctx)
}

// Setup reads the config and builds the logger, tracing and datastore every command
// needs. The returned function releases them.
func Setup(ctx context.Context) (*config.Config, logger.Logger, storage.Datastore, func(), error) {
	cfg, err := ReadConfig()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	l, err := logger.NewLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	tp := StartTracing(cfg, l)

	ds, err := NewDatastore(ctx, cfg, l)
	if err != nil {
		if terr := stopTracing(tp); terr != nil {
			l.Warn("failed to shut down tracing", zap.Error(terr))
		}
		return nil, nil, nil, nil, err
	}

	return cfg, l, ds, func() {
		ds.Close()
		if err := stopTracing(tp); err != nil {
			l.Warn("failed to shut down tracing", zap.Error(err))
		}
		_ = l.Sync()
	}, nil
}
