// Package hooks provides bun query hooks that log, measure and trace the
// statements crmdb sends to MySQL or PostgreSQL.
package hooks

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// MaxStatementLength bounds the query text attached to logs and spans
const MaxStatementLength = 500

// LoggerHook implements query logging
type LoggerHook struct {
	logger        *slog.Logger
	driver        string
	logAll        bool
	slowThreshold time.Duration
}

// NewLoggerHook creates a new logger hook. driver is attached to every record.
func NewLoggerHook(logger *slog.Logger, driver string, logAll bool, slowThreshold time.Duration) *LoggerHook {
	return &LoggerHook{
		logger:        logger,
		driver:        driver,
		logAll:        logAll,
		slowThreshold: slowThreshold,
	}
}

// BeforeQuery is called before a query is executed
func (h *LoggerHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

// AfterQuery is called after a query is executed
func (h *LoggerHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	duration := time.Since(event.StartTime)
	slow := h.slowThreshold > 0 && duration >= h.slowThreshold

	// Failures are logged by the executor together with the bound params.
	if !h.logAll && !slow {
		return
	}

	attrs := []slog.Attr{
		slog.String("driver", h.driver),
		slog.Duration("duration", duration),
		slog.String("operation", OperationType(event.Query)),
		slog.String("query", Truncate(event.Query, MaxStatementLength)),
	}

	switch {
	case event.Err != nil:
		attrs = append(attrs, slog.String("error", event.Err.Error()))
		h.logger.LogAttrs(ctx, slog.LevelDebug, "database query failed", attrs...)
	case slow:
		h.logger.LogAttrs(ctx, slog.LevelWarn, "slow database query", attrs...)
	default:
		h.logger.LogAttrs(ctx, slog.LevelDebug, "database query", attrs...)
	}
}

// Truncate shortens s to at most n bytes, marking the cut with "..."
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// OperationType extracts the operation type from a query
func OperationType(query string) string {
	query = strings.ToUpper(strings.TrimLeft(query, " \t\r\n("))
	switch {
	case strings.HasPrefix(query, "SELECT"):
		return "select"
	case strings.HasPrefix(query, "INSERT"):
		return "insert"
	case strings.HasPrefix(query, "UPDATE"):
		return "update"
	case strings.HasPrefix(query, "DELETE"):
		return "delete"
	case strings.HasPrefix(query, "WITH"):
		return "with"
	case strings.HasPrefix(query, "REPLACE"):
		return "replace"
	case strings.HasPrefix(query, "SHOW"):
		return "show"
	case strings.HasPrefix(query, "DESCRIBE"), strings.HasPrefix(query, "DESC "):
		return "describe"
	case strings.HasPrefix(query, "EXPLAIN"):
		return "explain"
	case strings.HasPrefix(query, "VALUES"):
		return "values"
	case strings.HasPrefix(query, "TABLE"):
		return "table"
	case strings.HasPrefix(query, "CREATE"):
		return "create"
	case strings.HasPrefix(query, "DROP"):
		return "drop"
	case strings.HasPrefix(query, "ALTER"):
		return "alter"
	case strings.HasPrefix(query, "TRUNCATE"):
		return "truncate"
	case strings.HasPrefix(query, "BEGIN"), strings.HasPrefix(query, "START TRANSACTION"):
		return "begin"
	case strings.HasPrefix(query, "COMMIT"):
		return "commit"
	case strings.HasPrefix(query, "ROLLBACK"):
		return "rollback"
	case strings.HasPrefix(query, "SAVEPOINT"):
		return "savepoint"
	case strings.HasPrefix(query, "RELEASE"):
		return "release"
	default:
		return "other"
	}
}
