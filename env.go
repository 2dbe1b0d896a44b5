package crmdb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/v2"
)

// Environment keys recognized by ConfigFromEnv
const (
	EnvDriver          = "DB_DRIVER"
	EnvURL             = "DATABASE_URL"
	EnvHost            = "DB_HOST"
	EnvPort            = "DB_PORT"
	EnvUser            = "DB_USER"
	EnvPassword        = "DB_PASSWORD"
	EnvName            = "DB_NAME"
	EnvSSLMode         = "DB_SSLMODE"
	EnvPGConnector     = "DB_PG_CONNECTOR"
	EnvPoolMax         = "DB_POOL_MAX"
	EnvPoolMin         = "DB_POOL_MIN"
	EnvPoolIdleTimeout = "DB_POOL_IDLE_TIMEOUT_MS"
	EnvPoolConnTimeout = "DB_POOL_CONNECTION_TIMEOUT_MS"
	EnvPoolMaxLifetime = "DB_POOL_MAX_LIFETIME_MS"
	EnvPoolProfile     = "DB_POOL_PROFILE"
	EnvRetryMax        = "DB_RETRY_MAX"
	EnvRetryDelay      = "DB_RETRY_DELAY_MS"
	EnvRetryJitter     = "DB_RETRY_JITTER_PERCENT"
	EnvLogQueries      = "DB_LOG_QUERIES"
	EnvSlowQuery       = "DB_SLOW_QUERY_MS"
	EnvNodeEnv         = "NODE_ENV"
)

const poolProfileConstrained = "constrained"

// LoadEnvFiles loads the given .env files (".env" when none are given) into
// the process environment. Variables that are already set are not
// overridden and missing files are ignored.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("crmdb: load %s: %w", f, err)
		}
	}
	return nil
}

// ConfigFromEnv builds a Config from the process environment
func ConfigFromEnv() (Config, error) {
	return configFromEnviron(os.Environ)
}

func configFromEnviron(environ func() []string) (Config, error) {
	k := koanf.New(".")
	err := k.Load(env.Provider(".", env.Opt{
		EnvironFunc: environ,
		TransformFunc: func(key, value string) (string, any) {
			if !strings.HasPrefix(key, "DB_") && key != EnvURL && key != EnvNodeEnv {
				return "", nil
			}
			return strings.ToLower(key), strings.TrimSpace(value)
		},
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("crmdb: load environment: %w", err)
	}

	get := func(key string) string { return k.String(strings.ToLower(key)) }
	has := func(key string) bool { return get(key) != "" }

	cfg := DefaultConfig(ParseDriver(get(EnvDriver)))
	cfg.URL = get(EnvURL)
	if has(EnvHost) {
		cfg.Host = get(EnvHost)
	}
	if has(EnvPort) {
		cfg.Port = k.Int(strings.ToLower(EnvPort))
	}
	if has(EnvUser) {
		cfg.User = get(EnvUser)
	}
	cfg.Password = get(EnvPassword)
	if has(EnvName) {
		cfg.Database = get(EnvName)
	}
	if get(EnvNodeEnv) == "production" {
		cfg.SSLMode = SSLRequire
	}
	if has(EnvSSLMode) {
		cfg.SSLMode = strings.ToLower(get(EnvSSLMode))
	}
	if has(EnvPGConnector) {
		cfg.PGConnector = PGConnector(strings.ToLower(get(EnvPGConnector)))
	}

	if strings.EqualFold(get(EnvPoolProfile), poolProfileConstrained) {
		cfg = cfg.WithConstrainedPool()
	}
	if has(EnvPoolMax) {
		cfg.MaxConns = k.Int(strings.ToLower(EnvPoolMax))
	}
	if has(EnvPoolMin) {
		cfg.MinConns = k.Int(strings.ToLower(EnvPoolMin))
	}
	if has(EnvPoolIdleTimeout) {
		cfg.IdleTimeout = millis(k, EnvPoolIdleTimeout)
	}
	if has(EnvPoolConnTimeout) {
		cfg.ConnectionTimeout = millis(k, EnvPoolConnTimeout)
	}
	if has(EnvPoolMaxLifetime) {
		cfg.ConnMaxLifetime = millis(k, EnvPoolMaxLifetime)
	}

	if has(EnvRetryMax) {
		cfg.Retry.MaxRetries = k.Int(strings.ToLower(EnvRetryMax))
		cfg.Retry.Disabled = cfg.Retry.MaxRetries == 0
	}
	if has(EnvRetryDelay) {
		cfg.Retry.Delay = millis(k, EnvRetryDelay)
	}
	if has(EnvRetryJitter) {
		cfg.Retry.JitterPercent = uint64(k.Int64(strings.ToLower(EnvRetryJitter)))
	}

	cfg.LogQueries = k.Bool(strings.ToLower(EnvLogQueries))
	if has(EnvSlowQuery) {
		cfg.LogSlowQueries = millis(k, EnvSlowQuery)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func millis(k *koanf.Koanf, key string) time.Duration {
	return time.Duration(k.Int64(strings.ToLower(key))) * time.Millisecond
}
