package crmdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"
)

// dialect is the per-database strategy. One implementation is chosen in New
// and every driver-dependent decision goes through it.
type dialect interface {
	name() DriverName

	// open builds the pool and the bun dialect for cfg.
	open(cfg Config) (*sql.DB, schema.Dialect, error)

	// begin, commit and rollback move c in and out of a transaction and
	// keep its transaction state consistent.
	begin(ctx context.Context, c *Conn, opts TxOptions) error
	commit(ctx context.Context, c *Conn) error
	rollback(ctx context.Context, c *Conn) error

	// now runs the trivial round trip used by health checks.
	now(ctx context.Context, db bun.IConn) (time.Time, error)

	poolStatus(stats sql.DBStats, cfg Config, waiting int64) PoolStatus

	// isTransient reports dialect-specific connectivity failures.
	isTransient(err error) bool

	// wrapDriverError maps a server error to a rich Error, or returns nil
	// when err is not a server error of this dialect.
	wrapDriverError(err error) *Error
}

func dialectFor(driver DriverName) (dialect, error) {
	switch driver {
	case DriverMySQL:
		return mysqlDialect{}, nil
	case DriverPostgres:
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("crmdb: unsupported driver %q", driver)
	}
}
