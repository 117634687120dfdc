// Package study parses study command flags and launches the study service.
package study

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	entrypoint "github.com/clinprecision/clinops/internal/platform/cmd"
	"github.com/clinprecision/clinops/internal/platform/logging"
	"github.com/clinprecision/clinops/internal/platform/metrics"
	"github.com/clinprecision/clinops/internal/platform/timeouts"
	studyapp "github.com/clinprecision/clinops/internal/services/study/app"
	"github.com/clinprecision/clinops/internal/services/study/storage/integrity"
)

// EnvPrefix prefixes every study environment variable.
const EnvPrefix = "CLINOPS_STUDY_"

// Config holds study command configuration.
type Config struct {
	Backend           string          `env:"BACKEND" envDefault:"sqlite"`
	EventsDBPath      string          `env:"EVENTS_DB_PATH" envDefault:"data/study-events.db"`
	ProjectionsDBPath string          `env:"PROJECTIONS_DB_PATH" envDefault:"data/study-projections.db"`
	PostgresDSN       string          `env:"POSTGRES_DSN"`
	RedisAddr         string          `env:"REDIS_ADDR"`
	RedisChannel      string          `env:"REDIS_CHANNEL"`
	Workers           int             `env:"PROJECTION_WORKERS" envDefault:"4"`
	MaxAttempts       int             `env:"PROJECTION_MAX_ATTEMPTS" envDefault:"5"`
	RedeliveryRate    float64         `env:"PROJECTION_REDELIVERY_RATE" envDefault:"50"`
	RetryBudget       int             `env:"RETRY_BUDGET" envDefault:"5"`
	PollSchedule      []time.Duration `env:"POLL_SCHEDULE" envSeparator:"," envDefault:"50ms,100ms,200ms,500ms"`
	PollMaxAttempts   int             `env:"POLL_MAX_ATTEMPTS"`
	SweepSchedule     string          `env:"SWEEP_SCHEDULE" envDefault:"@every 1m"`
	ResolverCacheSize int             `env:"RESOLVER_CACHE_SIZE" envDefault:"4096"`
	MetricsAddr       string          `env:"METRICS_ADDR" envDefault:":9102"`
	LogLevel          string          `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat         string          `env:"LOG_FORMAT" envDefault:"json"`

	// Rebuild replays the journal into an empty read model and exits.
	Rebuild bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParsePrefixedConfig(&cfg, EnvPrefix); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Storage backend: memory, sqlite or postgres")
	fs.StringVar(&cfg.EventsDBPath, "events-db-path", cfg.EventsDBPath, "The study events SQLite database path")
	fs.StringVar(&cfg.ProjectionsDBPath, "projections-db-path", cfg.ProjectionsDBPath, "The study projections SQLite database path")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "The Postgres connection string")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for cross-process notifications")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Projection partitions")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Projection delivery attempts before dead-letter")
	fs.StringVar(&cfg.SweepSchedule, "sweep-schedule", cfg.SweepSchedule, "Cron spec for the lagging stream sweep")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address; empty disables")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.BoolVar(&cfg.Rebuild, "rebuild", cfg.Rebuild, "Rebuild the read model from the journal and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// serviceConfig maps command configuration onto the service.
func (c Config) serviceConfig(keyring *integrity.Keyring) studyapp.Config {
	return studyapp.Config{
		Backend:           studyapp.Backend(c.Backend),
		EventsDBPath:      c.EventsDBPath,
		ProjectionsDBPath: c.ProjectionsDBPath,
		PostgresDSN:       c.PostgresDSN,
		RedisAddr:         c.RedisAddr,
		RedisChannel:      c.RedisChannel,
		Workers:           c.Workers,
		MaxAttempts:       c.MaxAttempts,
		RedeliveryRate:    c.RedeliveryRate,
		RetryBudget:       c.RetryBudget,
		PollSchedule:      c.PollSchedule,
		PollMaxAttempts:   c.PollMaxAttempts,
		ResolverCacheSize: c.ResolverCacheSize,
		SweepSchedule:     c.SweepSchedule,
		Keyring:           keyring,
	}
}

// Run starts the study service, or rebuilds its read model when
// cfg.Rebuild is set.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceStudy, func(ctx context.Context) error {
		logger := logging.New(entrypoint.ServiceStudy, logging.Options{
			Level:  cfg.LogLevel,
			Format: logging.Format(cfg.LogFormat),
			Output: os.Stderr,
		})
		return run(ctx, cfg, logger)
	})
}

func run(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	keyring, err := integrity.KeyringFromEnv()
	if err != nil {
		return fmt.Errorf("load event keyring: %w", err)
	}
	if keyring == nil {
		logger.Warn().Msg("no event HMAC key configured, chain hashes are unsigned")
	}

	svc, err := studyapp.New(ctx, cfg.serviceConfig(keyring), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error().Err(err).Msg("close study service")
		}
	}()

	if cfg.Rebuild {
		started := time.Now()
		if err := svc.Rebuild(ctx); err != nil {
			return fmt.Errorf("rebuild read model: %w", err)
		}
		logger.Info().Dur("elapsed", time.Since(started)).Msg("read model rebuild complete")
		return nil
	}

	metricsSrv, err := serveMetrics(cfg.MetricsAddr, logger)
	if err != nil {
		return err
	}
	defer metricsSrv.Stop()

	logger.Info().Str("backend", cfg.Backend).Str("metrics_addr", metricsSrv.Addr()).Msg("study service started")
	return svc.Run(ctx)
}

// metricsServer serves the Prometheus registry. A nil server is disabled.
type metricsServer struct {
	server   *http.Server
	listener net.Listener
}

// serveMetrics exposes the Prometheus registry on addr. An empty addr
// disables the listener.
func serveMetrics(addr string, logger zerolog.Logger) (*metricsServer, error) {
	if addr == "" {
		return nil, nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on metrics addr %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	m := &metricsServer{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: timeouts.ReadHeader,
		},
		listener: listener,
	}
	go func() {
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	return m, nil
}

// Addr returns the bound listen address, or "" when disabled.
func (m *metricsServer) Addr() string {
	if m == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Stop shuts the listener down, waiting up to the shutdown timeout.
func (m *metricsServer) Stop() {
	if m == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	_ = m.server.Shutdown(ctx)
}
