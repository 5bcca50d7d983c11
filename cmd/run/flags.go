package run

import (
	"github.com/spf13/cobra"

	"github.com/openbinder/openbinder/cmd/util"
	serverconfig "github.com/openbinder/openbinder/pkg/server/config"
)

// bindRunFlags binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlags(command *cobra.Command) {
	defaultConfig := serverconfig.DefaultConfig()
	flags := command.Flags()

	flags.String("listen-path", defaultConfig.ListenPath, "the unix socket path to serve participant sessions on")
	util.MustBindPFlag("listenPath", flags.Lookup("listen-path"))
	util.MustBindEnv("listenPath", "OPENBINDER_LISTEN_PATH")

	flags.StringSlice("domains", defaultConfig.Domains, "the binder domains to host; sessions that do not name one join the first")
	util.MustBindPFlag("domains", flags.Lookup("domains"))
	util.MustBindEnv("domains", "OPENBINDER_DOMAINS")

	flags.Uint64("arena-capacity", defaultConfig.ArenaCapacity, "the per-participant transaction arena capacity in bytes (0 uses the engine default)")
	util.MustBindPFlag("arenaCapacity", flags.Lookup("arena-capacity"))
	util.MustBindEnv("arenaCapacity", "OPENBINDER_ARENA_CAPACITY")

	flags.Int("max-workers", defaultConfig.MaxWorkers, "the number of exchanges one session may have in flight")
	util.MustBindPFlag("maxWorkers", flags.Lookup("max-workers"))
	util.MustBindEnv("maxWorkers", "OPENBINDER_MAX_WORKERS")

	flags.Int("descriptor-limit", defaultConfig.DescriptorLimit, "the per-participant descriptor table size (0 uses the engine default)")
	util.MustBindPFlag("descriptorLimit", flags.Lookup("descriptor-limit"))
	util.MustBindEnv("descriptorLimit", "OPENBINDER_DESCRIPTOR_LIMIT")

	flags.Int64("registrar-uid", defaultConfig.RegistrarUID, "when set to a uid, only that uid may claim a domain's registrar seat (-1 allows any)")
	util.MustBindPFlag("registrarUID", flags.Lookup("registrar-uid"))
	util.MustBindEnv("registrarUID", "OPENBINDER_REGISTRAR_UID")

	flags.String(datastoreEngineFlag, defaultConfig.Datastore.Engine, "the datastore engine that will be used for persistence")
	util.MustBindPFlag("datastore.engine", flags.Lookup(datastoreEngineFlag))
	util.MustBindEnv("datastore.engine", "OPENBINDER_DATASTORE_ENGINE")

	flags.String(datastoreURIFlag, defaultConfig.Datastore.URI, "the connection uri to use to connect to the datastore (for any engine other than 'memory')")
	util.MustBindPFlag("datastore.uri", flags.Lookup(datastoreURIFlag))
	util.MustBindEnv("datastore.uri", "OPENBINDER_DATASTORE_URI")

	flags.Int("datastore-max-cache-size", defaultConfig.Datastore.MaxCacheSize, "the record lookup cache size; for the 'memory' engine this is also how much history is retained")
	util.MustBindPFlag("datastore.maxCacheSize", flags.Lookup("datastore-max-cache-size"))
	util.MustBindEnv("datastore.maxCacheSize", "OPENBINDER_DATASTORE_MAX_CACHE_SIZE")

	flags.Int("datastore-max-open-conns", defaultConfig.Datastore.MaxOpenConns, "the maximum number of open connections to the datastore")
	util.MustBindPFlag("datastore.maxOpenConns", flags.Lookup("datastore-max-open-conns"))
	util.MustBindEnv("datastore.maxOpenConns", "OPENBINDER_DATASTORE_MAX_OPEN_CONNS")

	flags.Int("datastore-max-idle-conns", defaultConfig.Datastore.MaxIdleConns, "the maximum number of connections to the datastore in the idle connection pool")
	util.MustBindPFlag("datastore.maxIdleConns", flags.Lookup("datastore-max-idle-conns"))
	util.MustBindEnv("datastore.maxIdleConns", "OPENBINDER_DATASTORE_MAX_IDLE_CONNS")

	flags.Duration("datastore-conn-max-idle-time", defaultConfig.Datastore.ConnMaxIdleTime, "the maximum amount of time a connection to the datastore may be idle")
	util.MustBindPFlag("datastore.connMaxIdleTime", flags.Lookup("datastore-conn-max-idle-time"))
	util.MustBindEnv("datastore.connMaxIdleTime", "OPENBINDER_DATASTORE_CONN_MAX_IDLE_TIME")

	flags.Duration("datastore-conn-max-lifetime", defaultConfig.Datastore.ConnMaxLifetime, "the maximum amount of time a connection to the datastore may be reused")
	util.MustBindPFlag("datastore.connMaxLifetime", flags.Lookup("datastore-conn-max-lifetime"))
	util.MustBindEnv("datastore.connMaxLifetime", "OPENBINDER_DATASTORE_CONN_MAX_LIFETIME")

	flags.Bool("datastore-metrics-enabled", defaultConfig.Datastore.Metrics.Enabled, "enable/disable sql metrics for the datastore")
	util.MustBindPFlag("datastore.metrics.enabled", flags.Lookup("datastore-metrics-enabled"))
	util.MustBindEnv("datastore.metrics.enabled", "OPENBINDER_DATASTORE_METRICS_ENABLED")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")
	util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
	util.MustBindEnv("metrics.enabled", "OPENBINDER_METRICS_ENABLED")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")
	util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
	util.MustBindEnv("metrics.addr", "OPENBINDER_METRICS_ADDR")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")
	util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
	util.MustBindEnv("trace.enabled", "OPENBINDER_TRACE_ENABLED")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")
	util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
	util.MustBindEnv("trace.otlp.endpoint", "OPENBINDER_TRACE_OTLP_ENDPOINT")

	flags.Bool("trace-otlp-tls-enabled", defaultConfig.Trace.OTLP.TLS.Enabled, "whether to use TLS connection for the trace collector")
	util.MustBindPFlag("trace.otlp.tls.enabled", flags.Lookup("trace-otlp-tls-enabled"))
	util.MustBindEnv("trace.otlp.tls.enabled", "OPENBINDER_TRACE_OTLP_TLS_ENABLED")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")
	util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
	util.MustBindEnv("trace.sampleRatio", "OPENBINDER_TRACE_SAMPLE_RATIO")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces")
	util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
	util.MustBindEnv("trace.serviceName", "OPENBINDER_TRACE_SERVICE_NAME")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	util.MustBindPFlag("log.format", flags.Lookup("log-format"))
	util.MustBindEnv("log.format", "OPENBINDER_LOG_FORMAT")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")
	util.MustBindPFlag("log.level", flags.Lookup("log-level"))
	util.MustBindEnv("log.level", "OPENBINDER_LOG_LEVEL")

	flags.Bool("profiler-enabled", defaultConfig.Profiler.Enabled, "enable/disable pprof profiling")
	util.MustBindPFlag("profiler.enabled", flags.Lookup("profiler-enabled"))
	util.MustBindEnv("profiler.enabled", "OPENBINDER_PROFILER_ENABLED")

	flags.String("profiler-addr", defaultConfig.Profiler.Addr, "the host:port address to serve the pprof profiler server on")
	util.MustBindPFlag("profiler.addr", flags.Lookup("profiler-addr"))
	util.MustBindEnv("profiler.addr", "OPENBINDER_PROFILER_ADDR")
}
