package crmdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrorCode represents a database error classification
type ErrorCode string

const (
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeForeignKey       ErrorCode = "FOREIGN_KEY"
	CodeCheckViolation   ErrorCode = "CHECK_VIOLATION"
	CodeNotNullViolation ErrorCode = "NOT_NULL"
	CodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeSerialization    ErrorCode = "SERIALIZATION"
	CodeDeadlock         ErrorCode = "DEADLOCK"
	CodeInvalidQuery     ErrorCode = "INVALID_QUERY"
	CodeSyntax           ErrorCode = "SYNTAX"
	CodeAuthFailed       ErrorCode = "AUTH_FAILED"
	CodeUnknown          ErrorCode = "UNKNOWN"
)

// Sentinel errors for quick checks
var (
	ErrNotFound         = errors.New("crmdb: record not found")
	ErrDuplicate        = errors.New("crmdb: duplicate key violation")
	ErrForeignKey       = errors.New("crmdb: foreign key violation")
	ErrCheckViolation   = errors.New("crmdb: check constraint violation")
	ErrNotNullViolation = errors.New("crmdb: not null violation")
	ErrConnection       = errors.New("crmdb: connection failed")
	ErrTimeout          = errors.New("crmdb: operation timeout")
	ErrSerialization    = errors.New("crmdb: serialization failure")
	ErrDeadlock         = errors.New("crmdb: deadlock detected")
	ErrInvalidQuery     = errors.New("crmdb: invalid query")
	ErrSyntax           = errors.New("crmdb: syntax error")
	ErrAuthFailed       = errors.New("crmdb: authentication failed")
)

// Lifecycle misuse errors
var (
	ErrConnReleased    = errors.New("crmdb: connection already released")
	ErrTxActive        = errors.New("crmdb: transaction already in progress")
	ErrNoTransaction   = errors.New("crmdb: no transaction in progress")
	ErrUnsupportedIsol = errors.New("crmdb: unsupported isolation level")
)

// Error is a rich database error with context
type Error struct {
	Code       ErrorCode  // Error classification
	Message    string     // Human-readable message
	Op         string     // Operation that failed (e.g., "Execute", "GetConnection")
	Driver     DriverName // Dialect that produced the error
	Table      string     // Table name if known
	Column     string     // Column name if known
	Constraint string     // Constraint name if applicable
	Detail     string     // Additional detail from the server
	Hint       string     // Hint from PostgreSQL
	Query      string     // Query that failed (may be empty)
	Cause      error      // Underlying error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("crmdb: %s", e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("crmdb.%s: %s", e.Op, e.Message)
	}
	if e.Table != "" {
		msg += fmt.Sprintf(" (table: %s)", e.Table)
	}
	if e.Constraint != "" {
		msg += fmt.Sprintf(" (constraint: %s)", e.Constraint)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for sentinel error matching
func (e *Error) Is(target error) bool {
	switch e.Code {
	case CodeNotFound:
		return target == ErrNotFound
	case CodeDuplicate:
		return target == ErrDuplicate
	case CodeForeignKey:
		return target == ErrForeignKey
	case CodeCheckViolation:
		return target == ErrCheckViolation
	case CodeNotNullViolation:
		return target == ErrNotNullViolation
	case CodeConnectionFailed:
		return target == ErrConnection
	case CodeTimeout:
		return target == ErrTimeout
	case CodeSerialization:
		return target == ErrSerialization
	case CodeDeadlock:
		return target == ErrDeadlock
	case CodeInvalidQuery:
		return target == ErrInvalidQuery
	case CodeSyntax:
		return target == ErrSyntax
	case CodeAuthFailed:
		return target == ErrAuthFailed
	}
	return false
}

// wrapError converts a raw error to a rich Error. d may be nil, in which
// case only dialect-independent classification is applied.
func wrapError(err error, op string, d dialect) error {
	if err == nil {
		return nil
	}

	// Already wrapped
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return err
	}

	var driverName DriverName
	if d != nil {
		driverName = d.name()
		if e := d.wrapDriverError(err); e != nil {
			e.Op = op
			e.Driver = driverName
			return e
		}
	}

	e := &Error{Op: op, Driver: driverName, Cause: err}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		e.Code = CodeNotFound
		e.Message = "record not found"
	case errors.Is(err, context.DeadlineExceeded):
		e.Code = CodeTimeout
		e.Message = "operation timed out"
	case isTransientError(err):
		e.Code = CodeConnectionFailed
		e.Message = "database connection failed: " + err.Error()
	default:
		e.Code = CodeUnknown
		e.Message = err.Error()
	}
	return e
}

// transientMessages are lower-cased fragments of driver messages reporting
// a lost or unreachable connection.
var transientMessages = []string{
	"connection terminated",
	"connection reset",
	"connection refused",
	"no connection",
	"broken pipe",
	"bad connection",
	"server closed the connection unexpectedly",
	"unexpected eof",
	"no such host",
}

// isTransientError reports dialect-independent signs of a network-level
// failure. Timeouts and cancellations are never transient.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var dbErr *Error
	if errors.As(err, &dbErr) {
		switch dbErr.Code {
		case CodeTimeout:
			return false
		case CodeConnectionFailed:
			return true
		}
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// isTransient combines dialect-specific and generic classification.
func (db *DB) isTransient(err error) bool {
	if db.dialect.isTransient(err) {
		return true
	}
	return isTransientError(err)
}

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicate checks if error is a duplicate key error
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsForeignKey checks if error is a foreign key error
func IsForeignKey(err error) bool {
	return errors.Is(err, ErrForeignKey)
}

// IsCheckViolation checks if error is a check constraint error
func IsCheckViolation(err error) bool {
	return errors.Is(err, ErrCheckViolation)
}

// IsNotNullViolation checks if error is a not null violation error
func IsNotNullViolation(err error) bool {
	return errors.Is(err, ErrNotNullViolation)
}

// IsConnection checks if error is a connection error
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsTimeout checks if error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsInvalidQuery checks if error was raised before the query reached the server
// or names an unknown table or column
func IsInvalidQuery(err error) bool {
	return errors.Is(err, ErrInvalidQuery)
}

// IsTransient reports whether err looks like a network-level failure that
// the retry wrapper would resubmit.
func IsTransient(err error) bool {
	return isTransientError(err)
}

// IsRetryable checks if the transaction is worth running again (serialization, deadlock)
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSerialization) || errors.Is(err, ErrDeadlock)
}

// GetErrorCode extracts the error code if it's a crmdb error
func GetErrorCode(err error) (ErrorCode, bool) {
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return dbErr.Code, true
	}
	return "", false
}

// GetConstraint extracts the constraint name if available
func GetConstraint(err error) (string, bool) {
	var dbErr *Error
	if errors.As(err, &dbErr) && dbErr.Constraint != "" {
		return dbErr.Constraint, true
	}
	return "", false
}

// GetTable extracts the table name if available
func GetTable(err error) (string, bool) {
	var dbErr *Error
	if errors.As(err, &dbErr) && dbErr.Table != "" {
		return dbErr.Table, true
	}
	return "", false
}

// GetDetail extracts the error detail if available
func GetDetail(err error) (string, bool) {
	var dbErr *Error
	if errors.As(err, &dbErr) && dbErr.Detail != "" {
		return dbErr.Detail, true
	}
	return "", false
}
