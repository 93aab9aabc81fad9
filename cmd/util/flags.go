package util

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jinglear/jingle/internal/config"
)

// flagKeys maps every shared flag to its config key.
var flagKeys = map[string]string{
	"datastore-engine":               "datastore.engine",
	"datastore-uri":                  "datastore.uri",
	"datastore-read-uri":             "datastore.readURI",
	"datastore-read-username":        "datastore.readUsername",
	"datastore-read-password":        "datastore.readPassword",
	"datastore-username":             "datastore.username",
	"datastore-password":             "datastore.password",
	"datastore-max-cache-size":       "datastore.maxCacheSize",
	"datastore-cache-ttl":            "datastore.cacheTTL",
	"datastore-max-concurrent-reads": "datastore.maxConcurrentReads",
	"datastore-max-open-conns":       "datastore.maxOpenConns",
	"datastore-max-idle-conns":       "datastore.maxIdleConns",
	"datastore-conn-max-idle-time":   "datastore.connMaxIdleTime",
	"datastore-conn-max-lifetime":    "datastore.connMaxLifetime",
	"datastore-metrics-enabled":      "datastore.metrics.enabled",
	"max-depth":                      "expansion.maxDepth",
	"review":                         "expansion.reviewMode",
	"fetch-timeout":                  "expansion.fetchTimeout",
	"build-concurrency":              "expansion.buildConcurrency",
	"count-hints":                    "expansion.countHints",
	"log-format":                     "log.format",
	"log-level":                      "log.level",
	"trace-enabled":                  "trace.enabled",
	"trace-otlp-endpoint":            "trace.otlp.endpoint",
	"trace-sample-ratio":             "trace.sampleRatio",
	"trace-service-name":             "trace.serviceName",
}

// AddDatastoreFlags registers the flags selecting and tuning the datastore.
func AddDatastoreFlags(flags *pflag.FlagSet) {
	defaultConfig := config.DefaultConfig()

	flags.String("datastore-engine", defaultConfig.Datastore.Engine, "the datastore engine to read the catalogue from (one of "+strings.Join(config.Engines, ", ")+")")
	flags.String("datastore-uri", defaultConfig.Datastore.URI, "the connection uri of the datastore; a directory for 'badger' and the admin API base URL for 'remote'")
	flags.String("datastore-read-uri", defaultConfig.Datastore.ReadURI, "the connection uri of a postgres read replica")
	flags.String("datastore-read-username", defaultConfig.Datastore.ReadUsername, "overwrite the username in the read replica connection string")
	flags.String("datastore-read-password", defaultConfig.Datastore.ReadPassword, "overwrite the password in the read replica connection string")
	flags.String("datastore-username", defaultConfig.Datastore.Username, "overwrite the username in the connection string")
	flags.String("datastore-password", defaultConfig.Datastore.Password, "overwrite the password in the connection string, or the bearer token of the 'remote' engine")
	flags.Int("datastore-max-cache-size", defaultConfig.Datastore.MaxCacheSize, "the maximum number of read results kept in the read cache (0 disables it)")
	flags.Duration("datastore-cache-ttl", defaultConfig.Datastore.CacheTTL, "how long a cached read result stays valid")
	flags.Uint32("datastore-max-concurrent-reads", defaultConfig.Datastore.MaxConcurrentReads, "the maximum number of reads in flight against the datastore")
	flags.Int("datastore-max-open-conns", defaultConfig.Datastore.MaxOpenConns, "the maximum number of open connections to the datastore")
	flags.Int("datastore-max-idle-conns", defaultConfig.Datastore.MaxIdleConns, "the maximum number of connections to the datastore in the idle connection pool")
	flags.Duration("datastore-conn-max-idle-time", defaultConfig.Datastore.ConnMaxIdleTime, "the maximum amount of time a connection to the datastore may be idle")
	flags.Duration("datastore-conn-max-lifetime", defaultConfig.Datastore.ConnMaxLifetime, "the maximum amount of time a connection to the datastore may be reused")
	flags.Bool("datastore-metrics-enabled", defaultConfig.Datastore.Metrics.Enabled, "enable/disable the sql connection pool metrics")
}

// AddExpansionFlags registers the flags tuning the expansion engines.
func AddExpansionFlags(flags *pflag.FlagSet) {
	defaultConfig := config.DefaultConfig()

	flags.Int("max-depth", defaultConfig.Expansion.MaxDepth, "the deepest level relationships can be expanded at (0 means unbounded)")
	flags.Bool("review", defaultConfig.Expansion.ReviewMode, "mount the root in review mode: load every relationship up front and keep self references")
	flags.Duration("fetch-timeout", defaultConfig.Expansion.FetchTimeout, "the timeout of a single relationship fetch (0 disables it)")
	flags.Int("build-concurrency", defaultConfig.Expansion.BuildConcurrency, "the number of relationships expanded at once")
	flags.Bool("count-hints", defaultConfig.Expansion.CountHints, "count relationships before fetching them")
}

// AddObservabilityFlags registers the log and trace flags.
func AddObservabilityFlags(flags *pflag.FlagSet) {
	defaultConfig := config.DefaultConfig()

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in (one of text, json)")
	flags.String("log-level", defaultConfig.Log.Level, "the log level to use (one of none, debug, info, warn, error, panic, fatal)")
	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")
	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")
	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample, between 0 and 1")
	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces")
}

// BindFlagsFunc returns a cobra PreRun that binds every shared flag registered on flags
// to its config key and to a JINGLE_ environment variable. Binding happens at PreRun
// time so that commands sharing flag names do not overwrite each other's bindings.
func BindFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(command *cobra.Command, _ []string) {
		flags.VisitAll(func(flag *pflag.Flag) {
			key, ok := flagKeys[flag.Name]
			if !ok {
				return
			}
			MustBindPFlag(key, flag)
			MustBindEnv(key, EnvName(flag.Name), EnvName(strings.ReplaceAll(key, ".", "_")))
		})
	}
}

// EnvName returns the environment variable read for name.
func EnvName(name string) string {
	r := strings.NewReplacer("-", "_", ".", "_")
	return "JINGLE_" + strings.ToUpper(r.Replace(name))
}
