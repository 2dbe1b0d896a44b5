package crmdb

import (
	"context"

	"github.com/uptrace/bun"
)

// Selector runs raw statements whose rows bun scans into Go values.
// *DB and *Conn implement it.
type Selector interface {
	selectRaw(ctx context.Context, op, query string, args []any, scan func(ctx context.Context, q *bun.RawQuery) error) error
}

// Querier both executes statements and scans rows into Go values
type Querier interface {
	Executor
	Selector
}

var (
	_ Querier = (*DB)(nil)
	_ Querier = (*Conn)(nil)
)

// Select runs query and scans every row into a T. T is a struct mapped
// with bun tags, or a scalar for single-column results. The result is
// never nil.
//
// Usage:
//
//	leads, err := crmdb.Select[Lead](ctx, db, "SELECT * FROM leads WHERE stage = ?", "won")
func Select[T any](ctx context.Context, s Selector, query string, args ...any) ([]T, error) {
	var items []T
	err := s.selectRaw(ctx, "Select", query, args, func(ctx context.Context, q *bun.RawQuery) error {
		items = nil
		return q.Scan(ctx, &items)
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

// SelectOne runs query and scans its first row into a T. It fails with
// CodeNotFound when there are no rows.
func SelectOne[T any](ctx context.Context, s Selector, query string, args ...any) (*T, error) {
	var item *T
	err := s.selectRaw(ctx, "SelectOne", query, args, func(ctx context.Context, q *bun.RawQuery) error {
		item = new(T)
		return q.Scan(ctx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (db *DB) selectRaw(ctx context.Context, op, query string, args []any, scan func(ctx context.Context, q *bun.RawQuery) error) error {
	q, qargs, err := Rebind(query, args)
	if err != nil {
		return db.fail(ctx, op, query, args, err)
	}
	err = db.withPooledConn(ctx, op, func(ctx context.Context, conn bun.Conn) error {
		return wrapError(scan(ctx, conn.NewRaw(q, qargs...)), op, db.dialect)
	})
	if err != nil {
		if IsNotFound(err) {
			return err
		}
		return db.fail(ctx, op, query, args, err)
	}
	return nil
}

func (c *Conn) selectRaw(ctx context.Context, op, query string, args []any, scan func(ctx context.Context, q *bun.RawQuery) error) error {
	q, qargs, err := Rebind(query, args)
	if err != nil {
		return c.db.fail(ctx, op, query, args, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrConnReleased
	}

	if err := scan(ctx, c.runner().NewRaw(q, qargs...)); err != nil {
		err = wrapError(err, op, c.db.dialect)
		if IsNotFound(err) {
			return err
		}
		return c.db.fail(ctx, op, query, args, err)
	}
	return nil
}
