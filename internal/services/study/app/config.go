package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/clinprecision/clinops/internal/services/study/storage/integrity"
)

// Backend selects the persistence implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

const (
	defaultEventsDBPath      = "data/study-events.db"
	defaultProjectionsDBPath = "data/study-projections.db"
)

// Config wires a Service. Zero values fall back to package defaults.
type Config struct {
	Backend           Backend
	EventsDBPath      string
	ProjectionsDBPath string
	PostgresDSN       string

	// RedisAddr enables cross-process notifications when set; otherwise an
	// in-process bus is used.
	RedisAddr    string
	RedisChannel string

	Workers     int
	MaxAttempts int
	// RedeliveryRate caps projection redeliveries per second. Zero uses the
	// engine default.
	RedeliveryRate float64
	RetryBudget    int

	PollSchedule    []time.Duration
	PollMaxAttempts int

	ResolverCacheSize int
	// SweepSchedule is a cron spec for the lagging-stream sweep. Empty
	// disables the schedule; Run still sweeps once at startup.
	SweepSchedule string

	// Keyring signs chain hashes when set.
	Keyring *integrity.Keyring
}

func (c Config) normalized() (Config, error) {
	backend := Backend(strings.ToLower(strings.TrimSpace(string(c.Backend))))
	if backend == "" {
		backend = BackendMemory
	}
	c.Backend = backend
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.EventsDBPath) == "" {
			c.EventsDBPath = defaultEventsDBPath
		}
		if strings.TrimSpace(c.ProjectionsDBPath) == "" {
			c.ProjectionsDBPath = defaultProjectionsDBPath
		}
		if c.EventsDBPath == c.ProjectionsDBPath {
			return Config{}, fmt.Errorf("events and projections databases must differ: %s", c.EventsDBPath)
		}
	case BackendPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return Config{}, fmt.Errorf("postgres backend requires a DSN")
		}
	default:
		return Config{}, fmt.Errorf("unknown storage backend %q", c.Backend)
	}
	if c.RedeliveryRate < 0 {
		return Config{}, fmt.Errorf("redelivery rate must not be negative")
	}
	for _, step := range c.PollSchedule {
		if step <= 0 {
			return Config{}, fmt.Errorf("poll schedule steps must be positive")
		}
	}
	return c, nil
}
