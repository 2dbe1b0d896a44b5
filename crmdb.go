package crmdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"

	"github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"

	"github.com/fernandezvara/crmdb/hooks"
)

// DB is the dialect-neutral database handle shared by the CRM routes. It is
// safe for concurrent use.
type DB struct {
	bun     *bun.DB
	sqlDB   *sql.DB
	dialect dialect
	config  Config
	logger  *slog.Logger

	metrics        *hooks.MetricsHook
	statsCollector prometheus.Collector

	waiting atomic.Int64 // callers blocked acquiring a connection
	closed  atomic.Bool
}

// Database is the surface route handlers depend on
type Database interface {
	Executor
	GetConnection(ctx context.Context) (*Conn, error)
	ReleaseConnection(conn *Conn) error
	BeginTransaction(ctx context.Context, conn *Conn) error
	CommitTransaction(ctx context.Context, conn *Conn) error
	RollbackTransaction(ctx context.Context, conn *Conn) error
	TestConnection(ctx context.Context) ConnectionStatus
	GetPoolStatus() PoolStatus
	Close() error
}

// Ensure DB implements Database
var _ Database = (*DB)(nil)

// New opens the pool for cfg.Driver, verifies that the server is reachable
// and opens cfg.MinConns connections.
func New(cfg Config) (*DB, error) {
	// Apply defaults for zero values
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	sqlDB, schemaDialect, err := d.open(cfg)
	if err != nil {
		return nil, &Error{
			Code:    CodeConnectionFailed,
			Message: "invalid connection settings",
			Op:      "New",
			Driver:  d.name(),
			Cause:   err,
		}
	}

	db, err := newDB(cfg, d, sqlDB, schemaDialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	ctx := context.Background()
	if err := db.connect(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	db.warmUp(ctx)

	db.logger.Info("database connected",
		"driver", string(d.name()),
		"target", describeTarget(cfg),
		"max_conns", cfg.MaxConns,
		"min_conns", cfg.MinConns,
	)
	return db, nil
}

// newDB wires an opened pool. cfg must already carry its defaults.
func newDB(cfg Config, d dialect, sqlDB *sql.DB, schemaDialect schema.Dialect) (*DB, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	// Configure pool
	sqlDB.SetMaxOpenConns(cfg.MaxConns)
	sqlDB.SetMaxIdleConns(cfg.MaxConns)
	sqlDB.SetConnMaxIdleTime(cfg.IdleTimeout)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	db := &DB{
		bun:     bun.NewDB(sqlDB, schemaDialect),
		sqlDB:   sqlDB,
		dialect: d,
		config:  cfg,
		logger:  logger.With("component", "crmdb"),
	}

	// Add observability hooks
	driver := string(d.name())
	if cfg.Logger != nil && (cfg.LogQueries || cfg.LogSlowQueries > 0) {
		db.bun.AddQueryHook(hooks.NewLoggerHook(cfg.Logger, driver, cfg.LogQueries, cfg.LogSlowQueries))
	}
	if cfg.MetricsRegistry != nil {
		hook, err := hooks.NewMetricsHook(cfg.MetricsRegistry, driver)
		if err != nil {
			return nil, fmt.Errorf("crmdb: failed to create metrics hook: %w", err)
		}
		db.bun.AddQueryHook(hook)
		db.metrics = hook

		stats := collectors.NewDBStatsCollector(sqlDB, "crmdb_"+driver)
		if err := cfg.MetricsRegistry.Register(stats); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, fmt.Errorf("crmdb: failed to register pool collector: %w", err)
			}
			db.logger.Warn("pool collector already registered, pool gauges report the first pool only", "driver", driver)
		} else {
			db.statsCollector = stats
		}
	}
	if cfg.Tracer != nil {
		db.bun.AddQueryHook(hooks.NewTracingHook(cfg.Tracer, driver))
	}

	return db, nil
}

// connect verifies the server is reachable, retrying transient failures.
func (db *DB) connect(ctx context.Context) error {
	err := db.retry(ctx, "New", func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, db.config.DialTimeout)
		defer cancel()
		return wrapError(db.bun.PingContext(pctx), "New", db.dialect)
	})
	if err == nil {
		return nil
	}
	db.logger.Error("database connection failed", "driver", string(db.dialect.name()), "error", err.Error())
	var dbErr *Error
	if errors.As(err, &dbErr) && dbErr.Code == CodeAuthFailed {
		return err
	}
	return &Error{
		Code:    CodeConnectionFailed,
		Message: "failed to connect to database",
		Op:      "New",
		Driver:  db.dialect.name(),
		Cause:   err,
	}
}

// warmUp opens MinConns connections and returns them to the pool idle.
func (db *DB) warmUp(ctx context.Context) {
	n := db.config.MinConns
	if n <= 0 {
		return
	}
	conns := make([]*sql.Conn, 0, n)
	for range n {
		cctx, cancel := context.WithTimeout(ctx, db.config.DialTimeout)
		c, err := db.sqlDB.Conn(cctx)
		cancel()
		if err != nil {
			db.logger.Warn("could not open minimum pool connections",
				"wanted", n, "opened", len(conns), "error", err.Error())
			break
		}
		conns = append(conns, c)
	}
	for _, c := range conns {
		_ = c.Close()
	}
}

// describeTarget renders the connection target without credentials
func describeTarget(cfg Config) string {
	if cfg.URL == "" {
		return fmt.Sprintf("%s@%s:%d/%s", cfg.User, cfg.Host, cfg.Port, cfg.Database)
	}
	if u, err := url.Parse(cfg.URL); err == nil && u.Scheme != "" && u.Host != "" {
		return u.Redacted()
	}
	if mc, err := mysql.ParseDSN(cfg.URL); err == nil {
		return fmt.Sprintf("%s@%s/%s", mc.User, mc.Addr, mc.DBName)
	}
	return "(unparsed dsn)"
}

// Close closes the pool. It is safe to call more than once.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	if db.statsCollector != nil {
		db.config.MetricsRegistry.Unregister(db.statsCollector)
	}
	return db.bun.Close()
}

// Ping verifies the database connection is alive
func (db *DB) Ping(ctx context.Context) error {
	if err := db.bun.PingContext(ctx); err != nil {
		return wrapError(err, "Ping", db.dialect)
	}
	return nil
}

// Stats returns connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.sqlDB.Stats()
}

// Bun returns the underlying bun.DB for direct access
func (db *DB) Bun() *bun.DB {
	return db.bun
}

// SQL returns the underlying pool
func (db *DB) SQL() *sql.DB {
	return db.sqlDB
}

// Driver returns the active dialect
func (db *DB) Driver() DriverName {
	return db.dialect.name()
}

// Config returns the current configuration
func (db *DB) Config() Config {
	return db.config
}

// Logger returns the logger used for database events
func (db *DB) Logger() *slog.Logger {
	return db.logger
}
