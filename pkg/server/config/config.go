// Package config holds the daemon configuration, its defaults and the
// validation run before startup.
package config

import (
	"fmt"
	"math"
	"time"
)

const (
	// DefaultListenPath is where the daemon accepts participant
	// sessions.
	DefaultListenPath = "/tmp/openbinder.sock"

	// DefaultDomainName is the object universe created when none are
	// configured.
	DefaultDomainName = "binder"

	// DefaultMaxWorkers caps concurrent exchanges per session.
	DefaultMaxWorkers = 32

	DefaultDatastoreEngine      = "memory"
	DefaultDatastoreMaxCacheSize = 1000

	DefaultMetricsAddr  = "0.0.0.0:2112"
	DefaultProfilerAddr = "0.0.0.0:3001"

	DefaultTraceSampleRatio = 0.2
	DefaultTraceServiceName = "openbinder"
	DefaultOTLPEndpoint     = "0.0.0.0:4317"

	// RegistrarUIDAny leaves the registrar seat open to every caller.
	RegistrarUIDAny = -1
)

// DatastoreMetricsConfig defines whether the datastore exports
// connection-pool metrics.
type DatastoreMetricsConfig struct {
	// Enabled enables export of the database/sql pool stats.
	Enabled bool
}

// DatastoreConfig defines the record store backing the domains.
type DatastoreConfig struct {
	// Engine is the record store engine, one of ["memory", "sqlite"].
	Engine string

	// URI is the connection string for SQL engines.
	URI string

	// MaxCacheSize bounds the record read-through cache. Zero disables
	// the cache.
	MaxCacheSize int

	// MaxOpenConns is the maximum number of open connections to the
	// database.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of connections in the idle
	// connection pool.
	MaxIdleConns int

	// ConnMaxIdleTime is the maximum amount of time a connection may
	// be idle.
	ConnMaxIdleTime time.Duration

	// ConnMaxLifetime is the maximum amount of time a connection may
	// be reused.
	ConnMaxLifetime time.Duration

	Metrics DatastoreMetricsConfig
}

// OTLPTLSConfig defines the transport security of the OTLP exporter
// connection.
type OTLPTLSConfig struct {
	Enabled bool
}

// OTLPTraceConfig defines where traces are exported to.
type OTLPTraceConfig struct {
	Endpoint string
	TLS      OTLPTLSConfig
}

// TraceConfig defines the OpenTelemetry trace pipeline.
type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig
	SampleRatio float64
	ServiceName string
}

// MetricsConfig defines the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool
	Addr    string
}

// LogConfig defines the daemon logging.
type LogConfig struct {
	// Format is the log output format, one of ["text", "json"].
	Format string

	// Level is the minimum log level, one of ["none", "debug",
	// "info", "warn", "error", "panic", "fatal"].
	Level string
}

// ProfilerConfig defines the pprof endpoint.
type ProfilerConfig struct {
	Enabled bool
	Addr    string
}

// Config is the daemon configuration.
type Config struct {
	// ListenPath is the unix socket path the daemon listens on.
	ListenPath string

	// Domains names the object universes the daemon hosts. A session
	// joins exactly one of them.
	Domains []string

	// ArenaCapacity is the per-participant transaction buffer arena
	// size in bytes. Zero selects the engine default; the engine caps
	// oversized requests.
	ArenaCapacity uint64

	// MaxWorkers caps how many exchanges a single session may run
	// concurrently.
	MaxWorkers int

	// DescriptorLimit caps how many descriptors a participant may hold.
	// Zero selects the engine default.
	DescriptorLimit int

	// RegistrarUID restricts the registrar seat to one uid.
	// RegistrarUIDAny disables the restriction.
	RegistrarUID int64

	Datastore DatastoreConfig
	Metrics   MetricsConfig
	Trace     TraceConfig
	Log       LogConfig
	Profiler  ProfilerConfig
}

// DefaultConfig is the daemon default configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenPath:      DefaultListenPath,
		Domains:         []string{DefaultDomainName},
		ArenaCapacity:   0,
		MaxWorkers:      DefaultMaxWorkers,
		DescriptorLimit: 0,
		RegistrarUID:    RegistrarUIDAny,
		Datastore: DatastoreConfig{
			Engine:       DefaultDatastoreEngine,
			MaxCacheSize: DefaultDatastoreMaxCacheSize,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    DefaultMetricsAddr,
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: DefaultOTLPEndpoint,
				TLS:      OTLPTLSConfig{Enabled: false},
			},
			SampleRatio: DefaultTraceSampleRatio,
			ServiceName: DefaultTraceServiceName,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Profiler: ProfilerConfig{
			Enabled: false,
			Addr:    DefaultProfilerAddr,
		},
	}
}

// Verify runs VerifyServerSettings and VerifyBinarySettings.
func (cfg *Config) Verify() error {
	if err := cfg.VerifyServerSettings(); err != nil {
		return err
	}
	return cfg.VerifyBinarySettings()
}

// VerifyServerSettings validates the operational settings.
func (cfg *Config) VerifyServerSettings() error {
	if cfg.MaxWorkers <= 0 {
		return fmt.Errorf("config 'maxWorkers' cannot be 0")
	}

	if len(cfg.Domains) == 0 {
		return fmt.Errorf("config 'domains' must name at least one domain")
	}
	seen := make(map[string]struct{}, len(cfg.Domains))
	for _, name := range cfg.Domains {
		if name == "" {
			return fmt.Errorf("config 'domains' cannot contain an empty name")
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("config 'domains' contains '%s' more than once", name)
		}
		seen[name] = struct{}{}
	}

	if cfg.DescriptorLimit < 0 {
		return fmt.Errorf("config 'descriptorLimit' cannot be negative")
	}

	if cfg.RegistrarUID < RegistrarUIDAny || cfg.RegistrarUID > math.MaxUint32 {
		return fmt.Errorf("config 'registrarUID' must be -1 or a valid uid")
	}

	if cfg.Datastore.Engine == "sqlite" && cfg.Datastore.URI == "" {
		return fmt.Errorf("config 'datastore.uri' must be set when 'datastore.engine' is 'sqlite'")
	}

	if cfg.Datastore.MaxCacheSize < 0 {
		return fmt.Errorf("config 'datastore.maxCacheSize' cannot be negative")
	}

	if cfg.Trace.Enabled {
		if cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1 {
			return fmt.Errorf("config 'trace.sampleRatio' must be in the range [0, 1]")
		}
	}

	return nil
}

// VerifyBinarySettings validates the settings that are fatal at parse
// time.
func (cfg *Config) VerifyBinarySettings() error {
	if cfg.ListenPath == "" {
		return fmt.Errorf("config 'listenPath' cannot be empty")
	}

	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	switch cfg.Log.Level {
	case "none", "debug", "info", "warn", "error", "panic", "fatal":
	default:
		return fmt.Errorf("config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("config 'metrics.addr' cannot be empty when metrics are enabled")
	}

	if cfg.Profiler.Enabled && cfg.Profiler.Addr == "" {
		return fmt.Errorf("config 'profiler.addr' cannot be empty when the profiler is enabled")
	}

	return nil
}
