package crmdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/schema"
)

// fakeColumn describes a result column returned by fakeServer
type fakeColumn struct {
	name     string
	dbType   string
	nullable bool
}

// fakeResponse is the scripted answer to one statement
type fakeResponse struct {
	columns  []fakeColumn
	rows     [][]driver.Value
	affected int64
	lastID   int64
	err      error
}

// fakeServer is a scripted database/sql connector. handler sees every
// statement after bun has formatted it; returning false falls back to the
// built-in answers for the statements crmdb issues on its own.
type fakeServer struct {
	mu        sync.Mutex
	handler   func(query string) (*fakeResponse, bool)
	dialErr   func() error
	queries   []string
	begins    int
	commits   int
	rollbacks int
	opened    int
}

var fakeNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// fakePing is the statement recorded for driver pings
const fakePing = "-- ping"

func newFakeServer(handler func(query string) (*fakeResponse, bool)) *fakeServer {
	return &fakeServer{handler: handler}
}

func (s *fakeServer) Connect(context.Context) (driver.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialErr != nil {
		if err := s.dialErr(); err != nil {
			return nil, err
		}
	}
	s.opened++
	return &fakeConn{srv: s}, nil
}

func (s *fakeServer) Driver() driver.Driver { return fakeDriver{s} }

// Queries returns the statements seen so far, excluding pings and the
// version probe bun issues when the MySQL dialect is initialized.
func (s *fakeServer) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.queries))
	for _, q := range s.queries {
		if q == "SELECT version()" || q == fakePing {
			continue
		}
		out = append(out, q)
	}
	return out
}

// Count returns how many statements contained fragment
func (s *fakeServer) Count(fragment string) int {
	n := 0
	for _, q := range s.Queries() {
		if strings.Contains(q, fragment) {
			n++
		}
	}
	return n
}

func (s *fakeServer) counters() (begins, commits, rollbacks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins, s.commits, s.rollbacks
}

func (s *fakeServer) respond(query string) *fakeResponse {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	h := s.handler
	s.mu.Unlock()

	if h != nil {
		if r, ok := h(query); ok {
			return r
		}
	}
	switch query {
	case "SELECT version()":
		return &fakeResponse{
			columns: []fakeColumn{{name: "version()", dbType: "VARCHAR"}},
			rows:    [][]driver.Value{{[]byte("8.0.36")}},
		}
	case "SELECT 1 AS test":
		return &fakeResponse{
			columns: []fakeColumn{{name: "test", dbType: "BIGINT"}},
			rows:    [][]driver.Value{{[]byte("1")}},
		}
	case "SELECT NOW()":
		return &fakeResponse{
			columns: []fakeColumn{{name: "now", dbType: "TIMESTAMPTZ"}},
			rows:    [][]driver.Value{{fakeNow}},
		}
	}
	return &fakeResponse{}
}

type fakeDriver struct{ srv *fakeServer }

func (d fakeDriver) Open(string) (driver.Conn, error) {
	return d.srv.Connect(context.Background())
}

type fakeConn struct {
	srv *fakeServer
}

var (
	_ driver.QueryerContext = (*fakeConn)(nil)
	_ driver.ExecerContext  = (*fakeConn)(nil)
	_ driver.ConnBeginTx    = (*fakeConn)(nil)
	_ driver.Pinger         = (*fakeConn)(nil)
)

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("fake: prepared statements are not supported")
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *fakeConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	c.srv.mu.Lock()
	c.srv.begins++
	c.srv.mu.Unlock()
	return &fakeTx{srv: c.srv}, nil
}

func (c *fakeConn) Ping(context.Context) error {
	r := c.srv.respond(fakePing)
	return r.err
}

func (c *fakeConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if len(args) > 0 {
		return nil, errors.New("fake: expected client-side formatted query")
	}
	r := c.srv.respond(query)
	if r.err != nil {
		return nil, r.err
	}
	return &fakeRows{columns: r.columns, rows: r.rows}, nil
}

func (c *fakeConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if len(args) > 0 {
		return nil, errors.New("fake: expected client-side formatted query")
	}
	r := c.srv.respond(query)
	if r.err != nil {
		return nil, r.err
	}
	return fakeResult{affected: r.affected, lastID: r.lastID}, nil
}

type fakeTx struct {
	srv *fakeServer
}

func (t *fakeTx) Commit() error {
	t.srv.mu.Lock()
	defer t.srv.mu.Unlock()
	t.srv.commits++
	return nil
}

func (t *fakeTx) Rollback() error {
	t.srv.mu.Lock()
	defer t.srv.mu.Unlock()
	t.srv.rollbacks++
	return nil
}

type fakeResult struct {
	affected int64
	lastID   int64
}

func (r fakeResult) LastInsertId() (int64, error) { return r.lastID, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.affected, nil }

type fakeRows struct {
	columns []fakeColumn
	rows    [][]driver.Value
	pos     int
}

var (
	_ driver.RowsColumnTypeDatabaseTypeName = (*fakeRows)(nil)
	_ driver.RowsColumnTypeNullable         = (*fakeRows)(nil)
)

func (r *fakeRows) Columns() []string {
	names := make([]string, len(r.columns))
	for i, c := range r.columns {
		names[i] = c.name
	}
	return names
}

func (r *fakeRows) Close() error { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}

func (r *fakeRows) ColumnTypeDatabaseTypeName(i int) string {
	return r.columns[i].dbType
}

func (r *fakeRows) ColumnTypeNullable(i int) (nullable, ok bool) {
	return r.columns[i].nullable, true
}

// connReset is the error a driver reports when the server drops the socket
func connReset() error {
	return &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}
}

// newTestDB wires a DB of the given dialect to srv. Retries wait one
// millisecond.
func newTestDB(t *testing.T, driverName DriverName, srv *fakeServer, mutate ...func(*Config)) *DB {
	t.Helper()

	cfg := DefaultConfig(driverName)
	cfg.Retry.Delay = time.Millisecond
	cfg.ConnectionTimeout = 2 * time.Second
	for _, m := range mutate {
		m(&cfg)
	}
	cfg.applyDefaults()

	d, err := dialectFor(cfg.Driver)
	if err != nil {
		t.Fatalf("dialectFor: %v", err)
	}

	var sd schema.Dialect = mysqldialect.New()
	if cfg.Driver == DriverPostgres {
		sd = pgdialect.New()
	}

	db, err := newDB(cfg, d, sql.OpenDB(srv), sd)
	if err != nil {
		t.Fatalf("newDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// bothDialects runs fn once per dialect
func bothDialects(t *testing.T, fn func(t *testing.T, driverName DriverName)) {
	for _, d := range []DriverName{DriverMySQL, DriverPostgres} {
		t.Run(string(d), func(t *testing.T) { fn(t, d) })
	}
}
