// Package config contains the knobs and defaults of the jingle command line tools.
package config

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

const (
	DefaultMaxCacheSize       = 10000
	DefaultCacheTTL           = 10 * time.Second
	DefaultMaxConcurrentReads = math.MaxUint32
	DefaultFetchTimeout       = 10 * time.Second
	DefaultBuildConcurrency   = 8
	DefaultMaxDepth           = 0
)

// Engines lists the supported datastore engines.
var Engines = []string{"memory", "sqlite", "postgres", "mysql", "badger", "remote"}

type DatastoreMetricsConfig struct {
	// Enabled registers the connection pool collectors of the SQL engines.
	Enabled bool
}

// DatastoreConfig selects and tunes the graph datastore.
type DatastoreConfig struct {
	// Engine is the datastore engine to use (e.g. 'memory', 'sqlite', 'postgres', 'remote').
	Engine string
	// URI is a connection string for the SQL engines, a directory for badger and the
	// base URL of the admin API for remote.
	URI string
	// ReadURI optionally points postgres reads at a replica. ReadUsername and ReadPassword
	// overwrite the credentials of its connection string.
	ReadURI      string
	ReadUsername string
	ReadPassword string
	Username     string
	// Password is the database password, or the bearer token of the remote engine.
	Password string

	// MaxCacheSize is the maximum number of read results kept by the read cache. Zero
	// disables the cache.
	MaxCacheSize int
	CacheTTL     time.Duration

	// MaxConcurrentReads bounds the reads in flight against the datastore.
	MaxConcurrentReads uint32

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	Metrics DatastoreMetricsConfig
}

// LogConfig defines the log output. For anything machine read use the 'json' format.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

type OTLPTraceConfig struct {
	Endpoint string
}

// ExpansionConfig tunes the expansion engines the tools mount.
type ExpansionConfig struct {
	// MaxDepth caps how deep relationships can be expanded; 0 means unbounded.
	MaxDepth int
	// ReviewMode mounts roots in review mode: every relationship of the root is loaded
	// up front and self references are kept.
	ReviewMode bool
	// FetchTimeout bounds each relationship fetch; 0 disables it.
	FetchTimeout time.Duration
	// BuildConcurrency bounds the relationships expanded at once while building a tree.
	BuildConcurrency int
	// CountHints publishes the size of a relationship before its full fetch completes.
	CountHints bool
}

type Config struct {
	Datastore DatastoreConfig
	Expansion ExpansionConfig
	Log       LogConfig
	Trace     TraceConfig
}

// Verify returns the first invalid setting of cfg.
func (cfg *Config) Verify() error {
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	if !slices.Contains([]string{"none", "debug", "info", "warn", "error", "panic", "fatal"}, cfg.Log.Level) {
		return fmt.Errorf(
			"config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		)
	}

	if !slices.Contains(Engines, cfg.Datastore.Engine) {
		return fmt.Errorf("config 'datastore.engine' must be one of %v", Engines)
	}

	if cfg.Datastore.Engine != "memory" && cfg.Datastore.URI == "" {
		return fmt.Errorf("config 'datastore.uri' is required for the %s engine", cfg.Datastore.Engine)
	}

	if cfg.Datastore.ReadURI != "" && cfg.Datastore.Engine != "postgres" {
		return errors.New("config 'datastore.readURI' is only supported by the postgres engine")
	}

	if cfg.Datastore.MaxCacheSize < 0 {
		return errors.New("config 'datastore.maxCacheSize' cannot be negative")
	}

	if cfg.Datastore.MaxConcurrentReads == 0 {
		return errors.New("config 'datastore.maxConcurrentReads' must be greater than zero")
	}

	if cfg.Expansion.MaxDepth < 0 {
		return errors.New("config 'expansion.maxDepth' cannot be negative")
	}

	if cfg.Expansion.FetchTimeout < 0 {
		return errors.New("config 'expansion.fetchTimeout' cannot be negative")
	}

	if cfg.Expansion.BuildConcurrency < 1 {
		return errors.New("config 'expansion.buildConcurrency' must be at least 1")
	}

	if cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1 {
		return errors.New("config 'trace.sampleRatio' must be within [0, 1]")
	}

	return nil
}

// DefaultConfig returns the configuration used when no flag, environment variable or
// config file overrides it: an in-memory datastore and visitor mode.
func DefaultConfig() *Config {
	return &Config{
		Datastore: DatastoreConfig{
			Engine:             "memory",
			MaxCacheSize:       DefaultMaxCacheSize,
			CacheTTL:           DefaultCacheTTL,
			MaxConcurrentReads: DefaultMaxConcurrentReads,
			MaxIdleConns:       10,
			MaxOpenConns:       30,
		},
		Expansion: ExpansionConfig{
			MaxDepth:         DefaultMaxDepth,
			FetchTimeout:     DefaultFetchTimeout,
			BuildConcurrency: DefaultBuildConcurrency,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
			},
			SampleRatio: 0.2,
			ServiceName: "jingle",
		},
	}
}

// MustDefaultConfig returns the default config with logging turned off.
func MustDefaultConfig() *Config {
	cfg := DefaultConfig()
	cfg.Log.Level = "none"
	return cfg
}
