package crmdb

import (
	"context"
	"database/sql"
	"fmt"
)

// TxOptions configures transaction behavior
type TxOptions struct {
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

// DefaultTxOptions returns default transaction options
func DefaultTxOptions() TxOptions {
	return TxOptions{
		Isolation: sql.LevelDefault,
		ReadOnly:  false,
	}
}

// ReadOnlyTxOptions returns options for read-only transactions
func ReadOnlyTxOptions() TxOptions {
	return TxOptions{
		Isolation: sql.LevelDefault,
		ReadOnly:  true,
	}
}

// SerializableTxOptions returns options for serializable transactions
func SerializableTxOptions() TxOptions {
	return TxOptions{
		Isolation: sql.LevelSerializable,
		ReadOnly:  false,
	}
}

// BeginTransaction opens a transaction on conn
func (db *DB) BeginTransaction(ctx context.Context, conn *Conn) error {
	return db.BeginTransactionWithOptions(ctx, conn, DefaultTxOptions())
}

// BeginTransactionWithOptions opens a transaction on conn with custom options.
// Transaction boundaries are never retried.
func (db *DB) BeginTransactionWithOptions(ctx context.Context, conn *Conn, opts TxOptions) error {
	if conn == nil {
		return ErrConnReleased
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()

	switch {
	case conn.released:
		return ErrConnReleased
	case conn.inTx:
		return ErrTxActive
	}

	if err := db.dialect.begin(ctx, conn, opts); err != nil {
		return db.fail(ctx, "BeginTransaction", "", nil, wrapError(err, "BeginTransaction", db.dialect))
	}
	conn.inTx = true
	return nil
}

// CommitTransaction commits the transaction open on conn
func (db *DB) CommitTransaction(ctx context.Context, conn *Conn) error {
	if conn == nil {
		return ErrConnReleased
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()

	switch {
	case conn.released:
		return ErrConnReleased
	case !conn.inTx:
		return ErrNoTransaction
	}

	if err := db.dialect.commit(ctx, conn); err != nil {
		return db.fail(ctx, "CommitTransaction", "", nil, wrapError(err, "CommitTransaction", db.dialect))
	}
	return nil
}

// RollbackTransaction aborts the transaction open on conn. Rolling back when
// no transaction is open does nothing.
func (db *DB) RollbackTransaction(ctx context.Context, conn *Conn) error {
	if conn == nil {
		return ErrConnReleased
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()

	switch {
	case conn.released:
		return ErrConnReleased
	case !conn.inTx:
		return nil
	}

	if err := db.dialect.rollback(ctx, conn); err != nil {
		return db.fail(ctx, "RollbackTransaction", "", nil, wrapError(err, "RollbackTransaction", db.dialect))
	}
	return nil
}

// ConnFunc is a function run on a checked-out connection
type ConnFunc func(conn *Conn) error

// WithConnection checks out a connection, runs fn on it and releases it,
// whatever fn returns.
func (db *DB) WithConnection(ctx context.Context, fn ConnFunc) error {
	conn, err := db.GetConnection(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.ReleaseConnection(conn) }()
	return fn(conn)
}

// Transaction executes fn within a transaction with automatic commit/rollback
func (db *DB) Transaction(ctx context.Context, fn ConnFunc) error {
	return db.TransactionWithOptions(ctx, DefaultTxOptions(), fn)
}

// ReadOnlyTransaction executes fn within a read-only transaction
func (db *DB) ReadOnlyTransaction(ctx context.Context, fn ConnFunc) error {
	return db.TransactionWithOptions(ctx, ReadOnlyTxOptions(), fn)
}

// TransactionWithOptions executes fn within a transaction with custom options.
// The connection is released in every case; a panic in fn rolls back and
// is re-raised.
func (db *DB) TransactionWithOptions(ctx context.Context, opts TxOptions, fn ConnFunc) error {
	conn, err := db.GetConnection(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.ReleaseConnection(conn) }()

	if err := db.BeginTransactionWithOptions(ctx, conn, opts); err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = db.RollbackTransaction(context.WithoutCancel(ctx), conn)
			panic(p)
		}
	}()

	if err := fn(conn); err != nil {
		if rbErr := db.RollbackTransaction(context.WithoutCancel(ctx), conn); rbErr != nil {
			return fmt.Errorf("crmdb: rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	return db.CommitTransaction(ctx, conn)
}

// Savepoint creates a named savepoint inside the open transaction
func (c *Conn) Savepoint(ctx context.Context, name string) error {
	return c.savepointStmt(ctx, "Savepoint", "SAVEPOINT ", name)
}

// RollbackTo rolls back to a named savepoint
func (c *Conn) RollbackTo(ctx context.Context, name string) error {
	return c.savepointStmt(ctx, "RollbackTo", "ROLLBACK TO SAVEPOINT ", name)
}

// ReleaseSavepoint releases a named savepoint
func (c *Conn) ReleaseSavepoint(ctx context.Context, name string) error {
	return c.savepointStmt(ctx, "ReleaseSavepoint", "RELEASE SAVEPOINT ", name)
}

func (c *Conn) savepointStmt(ctx context.Context, op, prefix, name string) error {
	if !validSavepointName(name) {
		return &Error{
			Code:    CodeInvalidQuery,
			Message: fmt.Sprintf("invalid savepoint name %q", name),
			Op:      op,
			Driver:  c.db.dialect.name(),
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.released:
		return ErrConnReleased
	case !c.inTx:
		return ErrNoTransaction
	}

	if _, err := c.runner().ExecContext(ctx, prefix+name); err != nil {
		return c.db.fail(ctx, op, prefix+name, nil, wrapError(err, op, c.db.dialect))
	}
	return nil
}

// validSavepointName accepts plain identifiers, which need no quoting on
// either dialect.
func validSavepointName(name string) bool {
	if name == "" || !isIdentStart(name[0]) || name[0] >= 0x80 {
		return false
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !isIdentStart(c) && !isDigit(c) || c >= 0x80 {
			return false
		}
	}
	return true
}
