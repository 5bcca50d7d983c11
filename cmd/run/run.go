// Package run contains the command to run an OpenBinder daemon.
package run

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/openbinder/openbinder/internal/build"
	"github.com/openbinder/openbinder/pkg/binder"
	"github.com/openbinder/openbinder/pkg/logger"
	"github.com/openbinder/openbinder/pkg/server"
	serverconfig "github.com/openbinder/openbinder/pkg/server/config"
	"github.com/openbinder/openbinder/pkg/storage"
	"github.com/openbinder/openbinder/pkg/storage/cached"
	"github.com/openbinder/openbinder/pkg/storage/memory"
	"github.com/openbinder/openbinder/pkg/storage/sqlcommon"
	"github.com/openbinder/openbinder/pkg/storage/sqlite"
	"github.com/openbinder/openbinder/pkg/storage/storagewrappers"
	"github.com/openbinder/openbinder/pkg/telemetry"
)

const (
	datastoreEngineFlag = "datastore-engine"
	datastoreURIFlag    = "datastore-uri"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the OpenBinder daemon",
		Long:  "Run the OpenBinder daemon.",
		Run:   run,
		Args:  cobra.NoArgs,
	}

	bindRunFlags(cmd)

	return cmd
}

// ReadConfig returns the daemon configuration based on the values provided in the 'config.yaml' file.
// The 'config.yaml' file is loaded from '/etc/openbinder', '$HOME/.openbinder', or the current working directory. If no configuration
// file is present, the default values are returned.
func ReadConfig() (*serverconfig.Config, error) {
	config := serverconfig.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load server config: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}

	return config, nil
}

func run(_ *cobra.Command, _ []string) {
	config, err := ReadConfig()
	if err != nil {
		panic(err)
	}

	if err := config.Verify(); err != nil {
		panic(err)
	}

	logger := logger.MustNewLogger(config.Log.Format, config.Log.Level)
	serverCtx := &ServerContext{Logger: logger}
	if err := serverCtx.Run(context.Background(), config); err != nil {
		panic(err)
	}
}

type ServerContext struct {
	Logger logger.Logger
}

// telemetryConfig returns the function that must be called to shut down tracing.
func (s *ServerContext) telemetryConfig(config *serverconfig.Config) func() error {
	if config.Trace.Enabled {
		s.Logger.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s', tls: %t", config.Trace.SampleRatio, config.Trace.OTLP.Endpoint, config.Trace.OTLP.TLS.Enabled))

		options := []telemetry.TracerOption{
			telemetry.WithOTLPEndpoint(
				config.Trace.OTLP.Endpoint,
			),
			telemetry.WithAttributes(
				semconv.ServiceNameKey.String(config.Trace.ServiceName),
				semconv.ServiceVersionKey.String(build.Version),
			),
			telemetry.WithSamplingRatio(config.Trace.SampleRatio),
		}

		if !config.Trace.OTLP.TLS.Enabled {
			options = append(options, telemetry.WithOTLPInsecure())
		}

		tp := telemetry.MustNewTracerProvider(options...)
		return func() error {
			// the batch span processor can take a few seconds to drain
			ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
			defer cancel()
			return tp.Close(ctx)
		}
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
	return func() error {
		return nil
	}
}

func (s *ServerContext) datastoreConfig(config *serverconfig.Config) (storage.RecordStore, error) {
	datastoreOptions := []sqlcommon.DatastoreOption{
		sqlcommon.WithLogger(s.Logger),
		sqlcommon.WithMaxOpenConns(config.Datastore.MaxOpenConns),
		sqlcommon.WithMaxIdleConns(config.Datastore.MaxIdleConns),
		sqlcommon.WithConnMaxIdleTime(config.Datastore.ConnMaxIdleTime),
		sqlcommon.WithConnMaxLifetime(config.Datastore.ConnMaxLifetime),
	}

	if config.Datastore.Metrics.Enabled {
		datastoreOptions = append(datastoreOptions, sqlcommon.WithMetrics())
	}

	dsCfg := sqlcommon.NewConfig(datastoreOptions...)

	var datastore storage.RecordStore
	switch config.Datastore.Engine {
	case "memory":
		var opts []memory.StorageOption
		if config.Datastore.MaxCacheSize > 0 {
			opts = append(opts, memory.WithCapacity(config.Datastore.MaxCacheSize))
		}
		datastore = memory.New(opts...)
	case "sqlite":
		ds, err := sqlite.New(config.Datastore.URI, dsCfg)
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite datastore: %w", err)
		}
		datastore = ds
		if config.Datastore.MaxCacheSize > 0 {
			cachedStore, err := cached.New(ds, cached.WithMaxSize(config.Datastore.MaxCacheSize))
			if err != nil {
				return nil, fmt.Errorf("initialize record cache: %w", err)
			}
			datastore = cachedStore
		}
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", config.Datastore.Engine)
	}

	s.Logger.Info(fmt.Sprintf("using '%v' storage engine", config.Datastore.Engine))

	return storagewrappers.NewInstrumentedRecordStore(datastore), nil
}

func (s *ServerContext) serverOptions(config *serverconfig.Config, datastore storage.RecordStore) []server.ServerOption {
	opts := []server.ServerOption{
		server.WithDatastore(datastore),
		server.WithLogger(s.Logger),
		server.WithDomains(config.Domains...),
		server.WithArenaCapacity(config.ArenaCapacity),
		server.WithDescriptorLimit(config.DescriptorLimit),
		server.WithMaxWorkers(config.MaxWorkers),
	}

	if config.RegistrarUID != serverconfig.RegistrarUIDAny {
		opts = append(opts, server.WithSecurityPolicy(binder.RegistrarUIDPolicy{UID: uint32(config.RegistrarUID)}))
	}

	return opts
}

func (s *ServerContext) Run(ctx context.Context, config *serverconfig.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, os.Kill, syscall.SIGTERM)
	defer stop()

	tracerProviderCloser := s.telemetryConfig(config)

	datastore, err := s.datastoreConfig(config)
	if err != nil {
		return err
	}

	status, err := datastore.IsReady(ctx)
	if err != nil {
		return fmt.Errorf("datastore is not ready: %w", err)
	}
	if !status.IsReady {
		if status.Message != "" {
			return fmt.Errorf("datastore is not ready: %s", status.Message)
		}
		return errors.New("datastore is not ready")
	}

	var profilerServer *http.Server
	if config.Profiler.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		profilerServer = &http.Server{Addr: config.Profiler.Addr, Handler: mux}

		go func() {
			s.Logger.Info(fmt.Sprintf("🔬 starting pprof profiler on '%s'", config.Profiler.Addr))

			if err := profilerServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					s.Logger.Fatal("failed to start pprof profiler", zap.Error(err))
				}
			}
			s.Logger.Info("profiler shut down.")
		}()
	}

	var metricsServer *http.Server
	if config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		metricsServer = &http.Server{Addr: config.Metrics.Addr, Handler: mux}

		go func() {
			s.Logger.Info(fmt.Sprintf("📈 starting prometheus metrics server on '%s'", config.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					s.Logger.Fatal("failed to start prometheus metrics server", zap.Error(err))
				}
			}
			s.Logger.Info("metrics server shut down.")
		}()
	}

	svr := server.MustNewServerWithOpts(s.serverOptions(config, datastore)...)

	s.Logger.Info(
		"starting openbinder service...",
		zap.String("version", build.Version),
		zap.String("date", build.Date),
		zap.String("commit", build.Commit),
		zap.String("go-version", goruntime.Version()),
		zap.Any("config", config),
	)

	udsPath := config.ListenPath
	_ = os.Remove(udsPath) // clean up stale socket file
	lis, err := net.Listen("unix", udsPath)
	if err != nil {
		return fmt.Errorf("failed to listen on '%s': %w", udsPath, err)
	}

	go func() {
		if err := svr.Serve(ctx, lis); err != nil {
			s.Logger.Fatal("failed to serve participant sessions", zap.Error(err))
		}
		s.Logger.Info("session server shut down.")
	}()

	// wait for cancellation signal
	<-ctx.Done()
	s.Logger.Info("attempting to shutdown gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if profilerServer != nil {
		if err := profilerServer.Shutdown(shutdownCtx); err != nil {
			s.Logger.Info("failed to shutdown the profiler", zap.Error(err))
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			s.Logger.Info("failed to shutdown the prometheus metrics server", zap.Error(err))
		}
	}

	if err := lis.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.Logger.Info("failed to close the session listener", zap.Error(err))
	}

	svr.Close()

	if err := os.Remove(udsPath); err != nil && !os.IsNotExist(err) {
		s.Logger.Warn("failed to remove unix socket file", zap.Error(err))
	}

	datastore.Close()

	if err := tracerProviderCloser(); err != nil {
		s.Logger.Error("failed to shutdown tracing", zap.Error(err))
	}

	s.Logger.Info("server exited. goodbye 👋")

	return nil
}
