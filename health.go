package crmdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Connection status values reported by TestConnection
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// ConnectionStatus is the outcome of TestConnection. Timestamp is set when
// healthy, Error when not.
type ConnectionStatus struct {
	Status    string     `json:"status"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Error     string     `json:"error,omitempty"`
	Driver    DriverName `json:"driver"`
}

// Healthy reports whether the round trip succeeded
func (s ConnectionStatus) Healthy() bool {
	return s.Status == StatusHealthy
}

// PoolStatus is a read-only snapshot of the pool. PostgreSQL reports
// occupancy counters, MySQL its configured limits.
type PoolStatus struct {
	Driver    DriverName     `json:"driver"`
	Occupancy *PoolOccupancy `json:"occupancy,omitempty"`
	Limits    *PoolLimits    `json:"limits,omitempty"`
}

// PoolOccupancy counts the connections of the pool
type PoolOccupancy struct {
	TotalCount   int   `json:"total_count"`
	IdleCount    int   `json:"idle_count"`
	WaitingCount int64 `json:"waiting_count"`
}

// PoolLimits are the configured bounds of the pool. A QueueLimit of 0 means
// waiters are not bounded.
type PoolLimits struct {
	ConnectionLimit int `json:"connection_limit"`
	QueueLimit      int `json:"queue_limit"`
}

// HealthStatus represents the database health status
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Driver    DriverName    `json:"driver"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	PoolStats PoolStats     `json:"pool_stats"`
}

// PoolStats contains connection pool statistics
type PoolStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
	MaxIdleClosed      int64         `json:"max_idle_closed"`
	MaxIdleTimeClosed  int64         `json:"max_idle_time_closed"`
	MaxLifetimeClosed  int64         `json:"max_lifetime_closed"`
}

// TestConnection runs a trivial round trip and reports the outcome. It never
// fails: errors are reported in the returned status.
func (db *DB) TestConnection(ctx context.Context) (status ConnectionStatus) {
	status = ConnectionStatus{Status: StatusUnhealthy, Driver: db.dialect.name()}
	defer func() {
		if p := recover(); p != nil {
			status.Status = StatusUnhealthy
			status.Timestamp = nil
			status.Error = fmt.Sprint("panic: ", p)
		}
		if status.Error != "" {
			db.logger.ErrorContext(ctx, "database connection test failed",
				"driver", string(status.Driver), "error", status.Error)
		}
	}()

	conn, err := db.acquire(ctx, "TestConnection")
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer conn.Close()

	ts, err := db.dialect.now(ctx, conn)
	if err != nil {
		status.Error = wrapError(err, "TestConnection", db.dialect).Error()
		return status
	}
	status.Status = StatusHealthy
	status.Timestamp = &ts
	return status
}

// GetPoolStatus returns the dialect's view of the pool
func (db *DB) GetPoolStatus() PoolStatus {
	return db.dialect.poolStatus(db.sqlDB.Stats(), db.config, db.waiting.Load())
}

// Health performs a health check with detailed status
func (db *DB) Health(ctx context.Context) HealthStatus {
	start := time.Now()

	err := db.Ping(ctx)
	latency := time.Since(start)

	status := HealthStatus{
		Healthy:   err == nil,
		Driver:    db.dialect.name(),
		Latency:   latency,
		PoolStats: PoolStatsFromSQL(db.sqlDB.Stats()),
	}

	if err != nil {
		status.Error = err.Error()
	}

	return status
}

// IsHealthy returns true if the database is reachable
func (db *DB) IsHealthy(ctx context.Context) bool {
	return db.Ping(ctx) == nil
}

// PoolStatsFromSQL converts sql.DBStats to PoolStats
func PoolStatsFromSQL(stats sql.DBStats) PoolStats {
	return PoolStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,
		MaxIdleClosed:      stats.MaxIdleClosed,
		MaxIdleTimeClosed:  stats.MaxIdleTimeClosed,
		MaxLifetimeClosed:  stats.MaxLifetimeClosed,
	}
}
