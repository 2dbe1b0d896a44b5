package crmdb

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseDriver(t *testing.T) {
	tests := []struct {
		in       string
		expected DriverName
	}{
		{"postgresql", DriverPostgres},
		{"Postgres", DriverPostgres},
		{" pg ", DriverPostgres},
		{"mysql", DriverMySQL},
		{"", DriverMySQL},
		{"oracle", DriverMySQL},
	}

	for _, tt := range tests {
		if got := ParseDriver(tt.in); got != tt.expected {
			t.Errorf("ParseDriver(%q): expected %s, got %s", tt.in, tt.expected, got)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	my := DefaultConfig(DriverMySQL)
	if my.Port != 3306 || my.User != "root" || my.MaxConns != 10 || my.MinConns != 0 {
		t.Errorf("unexpected mysql defaults: %+v", my)
	}
	pg := DefaultConfig(DriverPostgres)
	if pg.Port != 5432 || pg.User != "postgres" || pg.MaxConns != 20 || pg.MinConns != 2 || pg.PGConnector != ConnectorPGX {
		t.Errorf("unexpected postgresql defaults: %+v", pg)
	}
	for _, cfg := range []Config{my, pg} {
		if cfg.Database != "crm_db" || cfg.Host != "localhost" {
			t.Errorf("expected localhost/crm_db, got %s/%s", cfg.Host, cfg.Database)
		}
		if cfg.Retry.MaxRetries != 3 || cfg.Retry.Delay != time.Second {
			t.Errorf("expected 3 retries every 1s, got %+v", cfg.Retry)
		}
	}
	if unknown := DefaultConfig("sqlite"); unknown.Driver != DriverMySQL {
		t.Errorf("expected unknown drivers to fall back to mysql, got %s", unknown.Driver)
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{Driver: DriverPostgres}
	cfg.applyDefaults()

	if cfg.Host != "localhost" || cfg.Port != 5432 || cfg.MaxConns != 20 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.MinConns != 0 {
		t.Errorf("expected MinConns to stay 0, got %d", cfg.MinConns)
	}
	if cfg.ConnectionTimeout != 30*time.Second || cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("unexpected timeouts: %s, %s", cfg.ConnectionTimeout, cfg.IdleTimeout)
	}

	withURL := Config{URL: "postgres://u:p@db/crm"}
	withURL.applyDefaults()
	if withURL.Driver != DriverMySQL || withURL.Host != "" {
		t.Errorf("expected URL configs to keep empty fields, got %+v", withURL)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := DefaultConfig(DriverPostgres)
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected defaults to be valid, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no connections", func(c *Config) { c.MaxConns = 0 }},
		{"min above max", func(c *Config) { c.MinConns = c.MaxConns + 1 }},
		{"negative min", func(c *Config) { c.MinConns = -1 }},
		{"ssl mode", func(c *Config) { c.SSLMode = "verify-full" }},
		{"connector", func(c *Config) { c.PGConnector = "lib/pq" }},
		{"no target", func(c *Config) { c.Host = "" }},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(DriverPostgres)
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestConfig_Builders(t *testing.T) {
	cfg := DefaultConfig(DriverMySQL).
		WithConstrainedPool().
		WithSlowQueryLog(200 * time.Millisecond).
		WithRetry(RetryPolicy{Disabled: true})

	if cfg.MaxConns != 2 || cfg.MinConns != 0 || cfg.IdleTimeout != 10*time.Second || cfg.ConnectionTimeout != 5*time.Second {
		t.Errorf("unexpected constrained pool: %+v", cfg)
	}
	if cfg.LogSlowQueries != 200*time.Millisecond {
		t.Errorf("expected slow query threshold 200ms, got %s", cfg.LogSlowQueries)
	}
	if !cfg.Retry.Disabled {
		t.Error("expected retries to be disabled")
	}
}

func environ(vars map[string]string) func() []string {
	return func() []string {
		out := make([]string, 0, len(vars))
		for k, v := range vars {
			out = append(out, k+"="+v)
		}
		return out
	}
}

func TestConfigFromEnviron(t *testing.T) {
	t.Run("mysql defaults", func(t *testing.T) {
		cfg, err := configFromEnviron(environ(map[string]string{"PATH": "/usr/bin"}))
		if err != nil {
			t.Fatalf("configFromEnviron: %v", err)
		}
		if cfg.Driver != DriverMySQL || cfg.Port != 3306 || cfg.Database != "crm_db" {
			t.Errorf("unexpected config: %+v", cfg)
		}
	})

	t.Run("postgresql", func(t *testing.T) {
		cfg, err := configFromEnviron(environ(map[string]string{
			"DB_DRIVER":                     "postgresql",
			"DB_HOST":                       "db.internal",
			"DB_PORT":                       "6432",
			"DB_USER":                       "crm",
			"DB_PASSWORD":                   "secret",
			"DB_NAME":                       "crm_prod",
			"DB_PG_CONNECTOR":               "PGDRIVER",
			"DB_POOL_MAX":                   "15",
			"DB_POOL_MIN":                   "1",
			"DB_POOL_IDLE_TIMEOUT_MS":       "30000",
			"DB_POOL_CONNECTION_TIMEOUT_MS": "2000",
			"DB_RETRY_MAX":                  "5",
			"DB_RETRY_DELAY_MS":             "250",
			"DB_RETRY_JITTER_PERCENT":       "10",
			"DB_LOG_QUERIES":                "true",
			"DB_SLOW_QUERY_MS":              "500",
			"NODE_ENV":                      "production",
		}))
		if err != nil {
			t.Fatalf("configFromEnviron: %v", err)
		}
		if cfg.Driver != DriverPostgres || cfg.Host != "db.internal" || cfg.Port != 6432 {
			t.Errorf("unexpected target: %+v", cfg)
		}
		if cfg.User != "crm" || cfg.Password != "secret" || cfg.Database != "crm_prod" {
			t.Errorf("unexpected credentials: %s/%s/%s", cfg.User, cfg.Password, cfg.Database)
		}
		if cfg.PGConnector != ConnectorPGDriver {
			t.Errorf("expected pgdriver, got %s", cfg.PGConnector)
		}
		if cfg.SSLMode != SSLRequire {
			t.Errorf("expected production to require ssl, got %s", cfg.SSLMode)
		}
		if cfg.MaxConns != 15 || cfg.MinConns != 1 || cfg.IdleTimeout != 30*time.Second || cfg.ConnectionTimeout != 2*time.Second {
			t.Errorf("unexpected pool: %+v", cfg)
		}
		if cfg.Retry.MaxRetries != 5 || cfg.Retry.Delay != 250*time.Millisecond || cfg.Retry.JitterPercent != 10 {
			t.Errorf("unexpected retry policy: %+v", cfg.Retry)
		}
		if !cfg.LogQueries || cfg.LogSlowQueries != 500*time.Millisecond {
			t.Errorf("unexpected logging: %v %s", cfg.LogQueries, cfg.LogSlowQueries)
		}
	})

	t.Run("constrained profile", func(t *testing.T) {
		cfg, err := configFromEnviron(environ(map[string]string{
			"DB_DRIVER":       "pg",
			"DB_POOL_PROFILE": "Constrained",
			"DB_SSLMODE":      "disable",
			"NODE_ENV":        "production",
		}))
		if err != nil {
			t.Fatalf("configFromEnviron: %v", err)
		}
		if cfg.MaxConns != 2 || cfg.MinConns != 0 {
			t.Errorf("expected the constrained pool, got %d/%d", cfg.MaxConns, cfg.MinConns)
		}
		if cfg.SSLMode != SSLDisable {
			t.Errorf("expected an explicit ssl mode to win, got %s", cfg.SSLMode)
		}
	})

	t.Run("retries disabled", func(t *testing.T) {
		cfg, err := configFromEnviron(environ(map[string]string{"DB_RETRY_MAX": "0"}))
		if err != nil {
			t.Fatalf("configFromEnviron: %v", err)
		}
		if !cfg.Retry.Disabled {
			t.Errorf("expected retries to be disabled, got %+v", cfg.Retry)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := configFromEnviron(environ(map[string]string{"DB_SSLMODE": "verify-ca"}))
		if err == nil {
			t.Error("expected a validation error")
		}
	})

	t.Run("url", func(t *testing.T) {
		cfg, err := configFromEnviron(environ(map[string]string{
			"DB_DRIVER":    "postgres",
			"DATABASE_URL": "postgres://crm:secret@db:5432/crm",
		}))
		if err != nil {
			t.Fatalf("configFromEnviron: %v", err)
		}
		if cfg.URL != "postgres://crm:secret@db:5432/crm" {
			t.Errorf("expected the url to be kept, got %q", cfg.URL)
		}
	})
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CRMDB_TEST_FROM_FILE=loaded\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("CRMDB_TEST_FROM_FILE", "")
	os.Unsetenv("CRMDB_TEST_FROM_FILE")

	if err := LoadEnvFiles(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadEnvFiles: %v", err)
	}
	if got := os.Getenv("CRMDB_TEST_FROM_FILE"); got != "loaded" {
		t.Errorf("expected loaded, got %q", got)
	}

	t.Setenv("CRMDB_TEST_FROM_FILE", "from process")
	if err := LoadEnvFiles(path); err != nil {
		t.Fatalf("LoadEnvFiles: %v", err)
	}
	if got := os.Getenv("CRMDB_TEST_FROM_FILE"); got != "from process" {
		t.Errorf("expected the process value to win, got %q", got)
	}
}

func TestDescribeTarget(t *testing.T) {
	tests := []struct {
		cfg      Config
		contains string
		hidden   string
	}{
		{Config{User: "root", Password: "hunter2", Host: "db", Port: 3306, Database: "crm_db"}, "root@db:3306/crm_db", "hunter2"},
		{Config{URL: "postgres://crm:hunter2@db:5432/crm"}, "db:5432/crm", "hunter2"},
		{Config{URL: "crm:hunter2@tcp(db:3306)/crm"}, "crm@db:3306/crm", "hunter2"},
	}

	for _, tt := range tests {
		got := describeTarget(tt.cfg)
		if !strings.Contains(got, tt.contains) {
			t.Errorf("expected %q in %q", tt.contains, got)
		}
		if strings.Contains(got, tt.hidden) {
			t.Errorf("expected the password to be hidden, got %q", got)
		}
	}
}
