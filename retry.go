package crmdb

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// RetryPolicy controls how transient connectivity failures are retried.
//
// Retries resubmit the whole operation. A write whose acknowledgement was
// lost may therefore be applied twice; callers issuing non-idempotent
// statements can opt out per call with NoRetry.
type RetryPolicy struct {
	MaxRetries    int           // Retries after the first attempt (default: 3)
	Delay         time.Duration // Fixed wait between attempts (default: 1s)
	JitterPercent uint64        // Randomize Delay by +/- this percent (default: 0)
	Disabled      bool          // Run every operation exactly once
}

// DefaultRetryPolicy returns three retries one second apart
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		Delay:      DefaultRetryDelay,
	}
}

func (p *RetryPolicy) applyDefaults() {
	if p.Disabled {
		return
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.Delay <= 0 {
		p.Delay = DefaultRetryDelay
	}
}

func (p RetryPolicy) backoff() retry.Backoff {
	b := retry.NewConstant(p.Delay)
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	return retry.WithMaxRetries(uint64(p.MaxRetries), b)
}

type noRetryKey struct{}

// NoRetry marks ctx so that operations run with it are attempted once.
func NoRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

func retryDisabled(ctx context.Context) bool {
	v, _ := ctx.Value(noRetryKey{}).(bool)
	return v
}

// RetryFunc is a single attempt of a retried operation
type RetryFunc func(ctx context.Context) error

// Retry runs fn and resubmits it while it fails with an error that
// isTransient accepts and the policy has retries left. onRetry, when not
// nil, is called before each wait with the number of the failed attempt.
// The error of the last attempt is returned as is.
func Retry(ctx context.Context, p RetryPolicy, isTransient func(error) bool, onRetry func(attempt int, err error), fn RetryFunc) error {
	if p.Disabled || p.MaxRetries <= 0 || retryDisabled(ctx) {
		return fn(ctx)
	}
	if p.Delay <= 0 {
		p.Delay = DefaultRetryDelay
	}

	attempt := 0
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if onRetry != nil && attempt <= p.MaxRetries {
			onRetry(attempt, err)
		}
		return retry.RetryableError(err)
	})
}

// retry wraps fn with the database's policy, dialect classification,
// logging and metrics. The final error is always a *Error.
func (db *DB) retry(ctx context.Context, op string, fn RetryFunc) error {
	err := Retry(ctx, db.config.Retry, db.isTransient, func(attempt int, err error) {
		db.logger.WarnContext(ctx, "database connection error, retrying",
			"op", op,
			"driver", string(db.dialect.name()),
			"attempt", attempt,
			"attempts_left", db.config.Retry.MaxRetries-attempt+1,
			"delay", db.config.Retry.Delay,
			"error", err.Error(),
		)
		if db.metrics != nil {
			db.metrics.IncRetry(op)
		}
	}, fn)
	return wrapError(err, op, db.dialect)
}
