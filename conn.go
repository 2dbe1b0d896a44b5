package crmdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"time"

	"github.com/uptrace/bun"
)

// Conn is a connection checked out of the pool with GetConnection. It stays
// pinned to one server session until ReleaseConnection, so transactions and
// session state span the statements issued on it. Statements on a Conn are
// serialized and never retried.
type Conn struct {
	db       *DB
	conn     bun.Conn
	acquired time.Time

	mu       sync.Mutex
	tx       bun.Tx // native transaction (MySQL)
	native   bool
	inTx     bool
	released bool
}

// Ensure Conn implements Executor
var _ Executor = (*Conn)(nil)

// GetConnection checks a connection out of the pool, waiting at most
// ConnectionTimeout. The caller must hand it back with ReleaseConnection.
func (db *DB) GetConnection(ctx context.Context) (*Conn, error) {
	var c *Conn
	err := db.retry(ctx, "GetConnection", func(ctx context.Context) error {
		conn, err := db.acquire(ctx, "GetConnection")
		if err != nil {
			return err
		}
		c = &Conn{db: db, conn: conn, acquired: time.Now()}
		return nil
	})
	if err != nil {
		return nil, db.fail(ctx, "GetConnection", "", nil, err)
	}
	db.logger.DebugContext(ctx, "connection acquired", "driver", string(db.dialect.name()))
	return c, nil
}

// ReleaseConnection returns conn to the pool. A transaction still open on it
// is rolled back first; if that fails the connection is closed instead of
// being reused. Releasing twice returns ErrConnReleased.
func (db *DB) ReleaseConnection(conn *Conn) error {
	if conn == nil {
		return ErrConnReleased
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.released {
		return ErrConnReleased
	}
	conn.released = true

	if conn.inTx {
		db.logger.Warn("releasing connection with an open transaction, rolling back",
			"driver", string(db.dialect.name()),
			"held", time.Since(conn.acquired).String(),
		)
		ctx, cancel := context.WithTimeout(context.Background(), db.config.ConnectionTimeout)
		err := db.dialect.rollback(ctx, conn)
		cancel()
		if err != nil {
			db.logger.Error("rollback on release failed, discarding connection", "error", err.Error())
			_ = conn.conn.Raw(func(any) error { return driver.ErrBadConn })
			conn.clearTx()
		}
	}

	err := conn.conn.Close()
	db.logger.Debug("connection released",
		"driver", string(db.dialect.name()),
		"held", time.Since(conn.acquired).String(),
	)
	if err != nil && !errors.Is(err, sql.ErrConnDone) {
		return wrapError(err, "ReleaseConnection", db.dialect)
	}
	return nil
}

// Execute runs query on the held connection, inside the open transaction if
// there is one. Placeholders follow the same rules as DB.Execute.
func (c *Conn) Execute(ctx context.Context, query string, args ...any) (*Result, error) {
	q, qargs, err := Rebind(query, args)
	if err != nil {
		return nil, c.db.fail(ctx, "Conn.Execute", query, args, err)
	}
	return c.execute(ctx, "Conn.Execute", query, q, qargs, args)
}

// Query runs a statement without parameters on the held connection
func (c *Conn) Query(ctx context.Context, query string) (*Result, error) {
	return c.execute(ctx, "Conn.Query", query, query, nil, nil)
}

func (c *Conn) execute(ctx context.Context, op, query, q string, qargs, args []any) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, ErrConnReleased
	}

	res, err := run(ctx, c.runner(), q, qargs)
	if err != nil {
		return nil, c.db.fail(ctx, op, query, args, wrapError(err, op, c.db.dialect))
	}
	return res, nil
}

// InTransaction reports whether a transaction is open on the connection
func (c *Conn) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inTx
}

// Driver returns the dialect of the pool the connection came from
func (c *Conn) Driver() DriverName {
	return c.db.dialect.name()
}

// runner returns the handle statements go through. Callers hold c.mu.
func (c *Conn) runner() runner {
	if c.native {
		return c.tx
	}
	return c.conn
}

// clearTx resets the transaction state. Callers hold c.mu.
func (c *Conn) clearTx() {
	c.tx = bun.Tx{}
	c.native = false
	c.inTx = false
}
