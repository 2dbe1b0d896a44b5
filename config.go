package crmdb

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// DriverName identifies the database dialect in use
type DriverName string

const (
	DriverMySQL    DriverName = "mysql"
	DriverPostgres DriverName = "postgresql"
)

// ParseDriver maps a DB_DRIVER value to a driver. Anything that is not a
// PostgreSQL alias, including the empty string, selects MySQL.
func ParseDriver(s string) DriverName {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgresql", "postgres", "pg":
		return DriverPostgres
	default:
		return DriverMySQL
	}
}

// PGConnector selects the database/sql driver used for PostgreSQL
type PGConnector string

const (
	ConnectorPGX      PGConnector = "pgx"      // github.com/jackc/pgx/v5/stdlib
	ConnectorPGDriver PGConnector = "pgdriver" // github.com/uptrace/bun/driver/pgdriver
)

// SSL modes understood by both dialects
const (
	SSLDisable = "disable"
	SSLRequire = "require"
)

// Config holds database configuration
type Config struct {
	Driver DriverName

	// Connection. URL wins over the individual fields when set.
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // SSLDisable or SSLRequire; require skips certificate verification

	PGConnector PGConnector // PostgreSQL only (default: pgx)

	// Pool settings
	MaxConns          int           // Max open connections
	MinConns          int           // Connections opened at startup
	IdleTimeout       time.Duration // Close connections idle for longer than this
	ConnectionTimeout time.Duration // Max wait to acquire a connection from the pool
	ConnMaxLifetime   time.Duration // 0 = unlimited

	// Timeouts
	DialTimeout  time.Duration // Connection dial timeout (default: 5s)
	ReadTimeout  time.Duration // Read timeout (default: 30s)
	WriteTimeout time.Duration // Write timeout (default: 30s)

	Retry RetryPolicy

	// Observability (all optional)
	Logger          *slog.Logger          // Structured logger
	LogQueries      bool                  // Log all queries
	LogSlowQueries  time.Duration         // Log queries slower than this (0 = disabled)
	MetricsRegistry prometheus.Registerer // Prometheus registry for metrics
	Tracer          trace.Tracer          // OpenTelemetry tracer
}

const (
	defaultMySQLPort    = 3306
	defaultPostgresPort = 5432
	defaultDatabase     = "crm_db"
)

// DefaultConfig returns the defaults for the given driver
func DefaultConfig(driver DriverName) Config {
	cfg := Config{
		Driver:            driver,
		Host:              "localhost",
		Database:          defaultDatabase,
		SSLMode:           SSLDisable,
		IdleTimeout:       5 * time.Minute,
		ConnectionTimeout: 30 * time.Second,
		DialTimeout:       5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		Retry:             DefaultRetryPolicy(),
	}
	if driver == DriverPostgres {
		cfg.Port = defaultPostgresPort
		cfg.User = "postgres"
		cfg.PGConnector = ConnectorPGX
		cfg.MaxConns = 20
		cfg.MinConns = 2
	} else {
		cfg.Driver = DriverMySQL
		cfg.Port = defaultMySQLPort
		cfg.User = "root"
		cfg.MaxConns = 10
	}
	return cfg
}

// applyDefaults fills in zero values with defaults. MinConns is left alone:
// zero is a meaningful setting.
func (c *Config) applyDefaults() {
	if c.Driver != DriverPostgres {
		c.Driver = DriverMySQL
	}
	d := DefaultConfig(c.Driver)
	if c.URL == "" {
		if c.Host == "" {
			c.Host = d.Host
		}
		if c.Port == 0 {
			c.Port = d.Port
		}
		if c.User == "" {
			c.User = d.User
		}
		if c.Database == "" {
			c.Database = d.Database
		}
	}
	if c.SSLMode == "" {
		c.SSLMode = d.SSLMode
	}
	if c.Driver == DriverPostgres && c.PGConnector == "" {
		c.PGConnector = ConnectorPGX
	}
	if c.MaxConns == 0 {
		c.MaxConns = d.MaxConns
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	c.Retry.applyDefaults()
}

// Validate reports configuration errors that would only surface later as
// confusing driver failures.
func (c Config) Validate() error {
	if c.MaxConns < 1 {
		return fmt.Errorf("crmdb: max connections must be at least 1, got %d", c.MaxConns)
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		return fmt.Errorf("crmdb: min connections must be between 0 and %d, got %d", c.MaxConns, c.MinConns)
	}
	switch c.SSLMode {
	case SSLDisable, SSLRequire:
	default:
		return fmt.Errorf("crmdb: unsupported ssl mode %q", c.SSLMode)
	}
	if c.Driver == DriverPostgres {
		switch c.PGConnector {
		case ConnectorPGX, ConnectorPGDriver:
		default:
			return fmt.Errorf("crmdb: unsupported postgres connector %q", c.PGConnector)
		}
	}
	if c.URL == "" && c.Host == "" {
		return fmt.Errorf("crmdb: either a database URL or a host is required")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("crmdb: retry count must not be negative, got %d", c.Retry.MaxRetries)
	}
	return nil
}

// WithConstrainedPool applies the conservative pool used on small hosting
// tiers: two connections, none kept warm, short idle and acquire timeouts.
func (c Config) WithConstrainedPool() Config {
	c.MaxConns = 2
	c.MinConns = 0
	c.IdleTimeout = 10 * time.Second
	c.ConnectionTimeout = 5 * time.Second
	return c
}

// WithLogger enables query logging
func (c Config) WithLogger(logger *slog.Logger) Config {
	c.Logger = logger
	c.LogQueries = true
	return c
}

// WithSlowQueryLog logs queries slower than the threshold
func (c Config) WithSlowQueryLog(threshold time.Duration) Config {
	c.LogSlowQueries = threshold
	return c
}

// WithMetrics enables Prometheus metrics
func (c Config) WithMetrics(registry prometheus.Registerer) Config {
	c.MetricsRegistry = registry
	return c
}

// WithTracing enables OpenTelemetry tracing
func (c Config) WithTracing(tracer trace.Tracer) Config {
	c.Tracer = tracer
	return c
}

// WithRetry replaces the retry policy
func (c Config) WithRetry(p RetryPolicy) Config {
	c.Retry = p
	return c
}
