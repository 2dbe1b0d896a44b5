package crmdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/schema"
)

// postgresDialect drives PostgreSQL through pgx (default) or bun's pgdriver.
// Transactions are plain BEGIN/COMMIT/ROLLBACK statements on the pinned
// connection.
type postgresDialect struct{}

func (postgresDialect) name() DriverName { return DriverPostgres }

func (postgresDialect) open(cfg Config) (*sql.DB, schema.Dialect, error) {
	dsn, err := postgresDSN(cfg)
	if err != nil {
		return nil, nil, err
	}

	switch cfg.PGConnector {
	case ConnectorPGDriver:
		connector := pgdriver.NewConnector(
			pgdriver.WithDSN(dsn),
			pgdriver.WithDialTimeout(cfg.DialTimeout),
			pgdriver.WithReadTimeout(cfg.ReadTimeout),
			pgdriver.WithWriteTimeout(cfg.WriteTimeout),
		)
		return sql.OpenDB(connector), pgdialect.New(), nil
	default:
		connCfg, err := pgx.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("crmdb: parse postgres config: %w", err)
		}
		if connCfg.ConnectTimeout == 0 {
			connCfg.ConnectTimeout = cfg.DialTimeout
		}
		return stdlib.OpenDB(*connCfg), pgdialect.New(), nil
	}
}

// postgresDSN returns cfg.URL when set, otherwise a postgres:// URL built
// from the individual fields. The configured SSL mode is added when the URL
// does not carry one.
func postgresDSN(cfg Config) (string, error) {
	if cfg.URL == "" {
		u := &url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(cfg.User, cfg.Password),
			Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Path:   "/" + cfg.Database,
		}
		q := url.Values{}
		q.Set("sslmode", cfg.SSLMode)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}

	if !strings.HasPrefix(cfg.URL, "postgres://") && !strings.HasPrefix(cfg.URL, "postgresql://") {
		// keyword/value DSN, passed through untouched
		return cfg.URL, nil
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("crmdb: parse database url: %w", err)
	}
	q := u.Query()
	if q.Get("sslmode") == "" && cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// beginStatement renders BEGIN with the requested isolation and access mode.
func beginStatement(opts TxOptions) (string, error) {
	stmt := "BEGIN"
	switch opts.Isolation {
	case sql.LevelDefault:
	case sql.LevelReadUncommitted:
		stmt += " ISOLATION LEVEL READ UNCOMMITTED"
	case sql.LevelReadCommitted:
		stmt += " ISOLATION LEVEL READ COMMITTED"
	case sql.LevelRepeatableRead:
		stmt += " ISOLATION LEVEL REPEATABLE READ"
	case sql.LevelSerializable:
		stmt += " ISOLATION LEVEL SERIALIZABLE"
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedIsol, opts.Isolation)
	}
	if opts.ReadOnly {
		stmt += " READ ONLY"
	}
	return stmt, nil
}

func (postgresDialect) begin(ctx context.Context, c *Conn, opts TxOptions) error {
	stmt, err := beginStatement(opts)
	if err != nil {
		return err
	}
	if _, err := c.conn.ExecContext(ctx, stmt); err != nil {
		return err
	}
	c.native = false
	return nil
}

func (postgresDialect) commit(ctx context.Context, c *Conn) error {
	// On failure the session may still be inside the transaction, so the
	// state is kept and the caller can still roll back.
	if _, err := c.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return err
	}
	c.clearTx()
	return nil
}

func (postgresDialect) rollback(ctx context.Context, c *Conn) error {
	_, err := c.conn.ExecContext(ctx, "ROLLBACK")
	c.clearTx()
	return err
}

func (postgresDialect) now(ctx context.Context, db bun.IConn) (time.Time, error) {
	var v any
	if err := db.QueryRowContext(ctx, "SELECT NOW()").Scan(&v); err != nil {
		return time.Time{}, err
	}
	if ts, ok := v.(time.Time); ok {
		return ts, nil
	}
	return time.Now(), nil
}

func (postgresDialect) poolStatus(stats sql.DBStats, _ Config, waiting int64) PoolStatus {
	return PoolStatus{
		Driver: DriverPostgres,
		Occupancy: &PoolOccupancy{
			TotalCount:   stats.OpenConnections,
			IdleCount:    stats.Idle,
			WaitingCount: waiting,
		},
	}
}

// isPostgresConnectionState reports SQLSTATEs of a lost, refused or
// shutting-down connection.
func isPostgresConnectionState(code string) bool {
	switch code {
	case "57P01", "57P02", "57P03", "53300": // admin/crash shutdown, cannot connect now, too many connections
		return true
	}
	return strings.HasPrefix(code, "08")
}

func (postgresDialect) isTransient(err error) bool {
	if code := postgresSQLState(err); code != "" {
		return isPostgresConnectionState(code)
	}
	return pgconn.SafeToRetry(err)
}

// postgresSQLState extracts the SQLSTATE from either connector's error type.
func postgresSQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var drvErr pgdriver.Error
	if errors.As(err, &drvErr) {
		return drvErr.Field('C')
	}
	return ""
}

func (postgresDialect) wrapDriverError(err error) *Error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return wrapPgError(pgErr)
	}
	var drvErr pgdriver.Error
	if errors.As(err, &drvErr) {
		return wrapPgDriverError(drvErr)
	}
	return nil
}

// wrapPgError converts pgx errors to rich errors
func wrapPgError(pgErr *pgconn.PgError) *Error {
	e := &Error{
		Table:      pgErr.TableName,
		Column:     pgErr.ColumnName,
		Constraint: pgErr.ConstraintName,
		Detail:     pgErr.Detail,
		Hint:       pgErr.Hint,
		Cause:      pgErr,
	}
	classifySQLState(e, pgErr.Code, pgErr.Message)
	return e
}

// wrapPgDriverError converts bun pgdriver errors to rich errors. Field
// identifiers follow the PostgreSQL ErrorResponse message format.
func wrapPgDriverError(drvErr pgdriver.Error) *Error {
	e := &Error{
		Table:      drvErr.Field('t'),
		Column:     drvErr.Field('c'),
		Constraint: drvErr.Field('n'),
		Detail:     drvErr.Field('D'),
		Hint:       drvErr.Field('H'),
		Cause:      drvErr,
	}
	classifySQLState(e, drvErr.Field('C'), drvErr.Field('M'))
	return e
}

// classifySQLState maps PostgreSQL error codes.
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
func classifySQLState(e *Error, code, message string) {
	switch code {
	case "23505": // unique_violation
		e.Code = CodeDuplicate
		e.Message = "duplicate key value violates unique constraint"
	case "23503": // foreign_key_violation
		e.Code = CodeForeignKey
		e.Message = "foreign key constraint violation"
	case "23502": // not_null_violation
		e.Code = CodeNotNullViolation
		e.Message = "null value in column violates not-null constraint"
	case "23514": // check_violation
		e.Code = CodeCheckViolation
		e.Message = "check constraint violation"
	case "40001": // serialization_failure
		e.Code = CodeSerialization
		e.Message = "serialization failure, retry transaction"
	case "40P01": // deadlock_detected
		e.Code = CodeDeadlock
		e.Message = "deadlock detected"
	case "57014": // query_canceled (timeout)
		e.Code = CodeTimeout
		e.Message = "query was cancelled due to timeout"
	case "42601": // syntax_error
		e.Code = CodeSyntax
		e.Message = "syntax error: " + message
	case "42P01", "42703", "42P02": // undefined_table, undefined_column, undefined_parameter
		e.Code = CodeInvalidQuery
		e.Message = message
	case "28000", "28P01": // invalid_authorization_specification, invalid_password
		e.Code = CodeAuthFailed
		e.Message = "authentication failed"
	default:
		if isPostgresConnectionState(code) {
			e.Code = CodeConnectionFailed
			e.Message = "database connection failed"
			return
		}
		e.Code = CodeUnknown
		e.Message = message
	}
}
