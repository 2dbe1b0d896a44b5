package hooks

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun"
)

// MetricsHook implements Prometheus metrics collection
type MetricsHook struct {
	driver        string
	queryDuration *prometheus.HistogramVec
	queryTotal    *prometheus.CounterVec
	queryErrors   *prometheus.CounterVec
	retries       *prometheus.CounterVec
}

// NewMetricsHook creates a new metrics hook and registers collectors.
// Collectors already registered by another DB on the same registry are
// shared.
func NewMetricsHook(registry prometheus.Registerer, driver string) (*MetricsHook, error) {
	h := &MetricsHook{
		driver: driver,
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crmdb_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"driver", "operation"},
		),
		queryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmdb_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"driver", "operation"},
		),
		queryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmdb_query_errors_total",
				Help: "Total number of database query errors",
			},
			[]string{"driver", "operation"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmdb_retries_total",
				Help: "Total number of retried database operations after a transient connection error",
			},
			[]string{"driver", "op"},
		),
	}

	var err error
	if h.queryDuration, err = register(registry, h.queryDuration); err != nil {
		return nil, err
	}
	if h.queryTotal, err = register(registry, h.queryTotal); err != nil {
		return nil, err
	}
	if h.queryErrors, err = register(registry, h.queryErrors); err != nil {
		return nil, err
	}
	if h.retries, err = register(registry, h.retries); err != nil {
		return nil, err
	}
	return h, nil
}

// register returns the collector already known to registry when c is a
// duplicate, so every hook on a registry writes to the same series.
func register[C prometheus.Collector](registry prometheus.Registerer, c C) (C, error) {
	if err := registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// BeforeQuery is called before a query is executed
func (h *MetricsHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

// AfterQuery is called after a query is executed
func (h *MetricsHook) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	duration := time.Since(event.StartTime).Seconds()
	op := OperationType(event.Query)

	h.queryDuration.WithLabelValues(h.driver, op).Observe(duration)
	h.queryTotal.WithLabelValues(h.driver, op).Inc()

	if event.Err != nil {
		h.queryErrors.WithLabelValues(h.driver, op).Inc()
	}
}

// IncRetry counts one retry of the named operation
func (h *MetricsHook) IncRetry(op string) {
	h.retries.WithLabelValues(h.driver, op).Inc()
}
