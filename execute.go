package crmdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/fernandezvara/crmdb/hooks"
)

// Executor runs statements and returns normalized results. *DB runs each
// statement on a pooled connection with retries; *Conn runs it on the held
// connection.
type Executor interface {
	Execute(ctx context.Context, query string, args ...any) (*Result, error)
	Query(ctx context.Context, query string) (*Result, error)
}

// runner is what a statement is sent through: a pinned connection or a
// native transaction on it.
type runner interface {
	bun.IConn
	NewRaw(query string, args ...any) *bun.RawQuery
}

var (
	_ runner = bun.Conn{}
	_ runner = bun.Tx{}
)

// Execute runs query with args on the active dialect. Placeholders may be
// written as ? or as $1, $2... Transient connection failures are retried
// according to the retry policy.
func (db *DB) Execute(ctx context.Context, query string, args ...any) (*Result, error) {
	q, qargs, err := Rebind(query, args)
	if err != nil {
		return nil, db.fail(ctx, "Execute", query, args, err)
	}
	return db.execute(ctx, "Execute", query, q, qargs, args)
}

// Query runs a statement without parameters. The text is sent as is.
func (db *DB) Query(ctx context.Context, query string) (*Result, error) {
	return db.execute(ctx, "Query", query, query, nil, nil)
}

// execute runs the rebound statement q; query and args are the caller's
// originals, used for error reports.
func (db *DB) execute(ctx context.Context, op, query, q string, qargs, args []any) (*Result, error) {
	var res *Result
	err := db.withPooledConn(ctx, op, func(ctx context.Context, conn bun.Conn) error {
		r, err := run(ctx, conn, q, qargs)
		if err != nil {
			return wrapError(err, op, db.dialect)
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, db.fail(ctx, op, query, args, err)
	}
	return res, nil
}

// withPooledConn runs fn on a connection acquired for the duration of one
// attempt. The whole attempt is retried on transient failures.
func (db *DB) withPooledConn(ctx context.Context, op string, fn func(ctx context.Context, conn bun.Conn) error) error {
	return db.retry(ctx, op, func(ctx context.Context) error {
		conn, err := db.acquire(ctx, op)
		if err != nil {
			return err
		}
		defer conn.Close()
		return fn(ctx, conn)
	})
}

// acquire takes a connection from the pool, waiting at most
// ConnectionTimeout.
func (db *DB) acquire(ctx context.Context, op string) (bun.Conn, error) {
	actx, cancel := context.WithTimeout(ctx, db.config.ConnectionTimeout)
	defer cancel()

	db.waiting.Add(1)
	conn, err := db.bun.Conn(actx)
	db.waiting.Add(-1)
	if err == nil {
		return conn, nil
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return bun.Conn{}, &Error{
			Code:    CodeTimeout,
			Message: fmt.Sprintf("timed out after %s waiting for a connection", db.config.ConnectionTimeout),
			Op:      op,
			Driver:  db.dialect.name(),
			Cause:   err,
		}
	}
	return bun.Conn{}, wrapError(err, op, db.dialect)
}

// fail logs a failed operation with its statement and parameters and
// returns err.
func (db *DB) fail(ctx context.Context, op, query string, args []any, err error) error {
	attrs := []any{
		"op", op,
		"driver", string(db.dialect.name()),
		"error", err.Error(),
	}
	var dbErr *Error
	if errors.As(err, &dbErr) {
		attrs = append(attrs, "code", string(dbErr.Code))
		if dbErr.Query == "" && query != "" {
			dbErr.Query = hooks.Truncate(query, hooks.MaxStatementLength)
		}
	}
	if query != "" {
		attrs = append(attrs, "query", hooks.Truncate(query, hooks.MaxStatementLength))
	}
	if len(args) > 0 {
		attrs = append(attrs, "params", args)
	}
	db.logger.ErrorContext(ctx, "database operation failed", attrs...)
	return err
}
