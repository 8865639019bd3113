// Package config provides centralized configuration management for the
// service. It loads configuration from environment variables with sensible
// defaults and validates all settings on startup to fail fast on
// misconfiguration.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Import   ImportConfig
	Rate     RateLimitConfig
	Logging  LoggingConfig
	Schedule ScheduleConfig
	Watchdog WatchdogConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 0 for SSE)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`

	// TrustedProxies is a comma-separated list of proxy addresses or CIDR
	// ranges allowed to assert the client IP via forwarding headers.
	// When empty, forwarding headers are trusted from any peer.
	TrustedProxies []string `env:"SERVER_TRUSTED_PROXIES"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// AutoMigrate runs pending migrations on startup (default: true)
	AutoMigrate bool `env:"DB_AUTO_MIGRATE" default:"true"`

	// MigrationsDir is the directory containing migration files (default: migrations)
	MigrationsDir string `env:"DB_MIGRATIONS_DIR" default:"migrations"`
}

// ImportConfig holds import run processing settings.
type ImportConfig struct {
	// MaxFileSize is the maximum allowed upload size in bytes (default: 100MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"104857600"`

	// MaxConcurrent is the maximum number of parallel import runs (default: 5)
	MaxConcurrent int `env:"IMPORT_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long to wait for a run slot (default: 30s)
	MaxWaitTime time.Duration `env:"IMPORT_MAX_WAIT_TIME" default:"30s"`

	// BatchSize is the number of rows processed per batch (default: 100)
	BatchSize int `env:"IMPORT_BATCH_SIZE" default:"100"`

	// ProgressInterval is how many processed rows between progress messages (default: 50)
	ProgressInterval int `env:"IMPORT_PROGRESS_INTERVAL" default:"50"`

	// MaxErrorDetail caps the error entries carried by the final report (default: 10)
	MaxErrorDetail int `env:"IMPORT_MAX_ERROR_DETAIL" default:"10"`

	// ResultTTL is how long finished runs stay queryable (default: 30m)
	ResultTTL time.Duration `env:"IMPORT_RESULT_TTL" default:"30m"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// ScheduleConfig holds scheduled message delivery settings.
type ScheduleConfig struct {
	// Enabled controls whether the delivery job runs (default: true)
	Enabled bool `env:"SCHEDULE_ENABLED" default:"true"`

	// CronSpec is the cron expression for the delivery sweep (default: every minute)
	CronSpec string `env:"SCHEDULE_CRON_SPEC" default:"@every 1m"`
}

// WatchdogConfig holds CPU watchdog settings.
type WatchdogConfig struct {
	// Enabled controls whether the watchdog runs (default: false)
	Enabled bool `env:"WATCHDOG_ENABLED" default:"false"`

	// ThresholdPercent is the CPU usage level considered unhealthy (default: 70)
	ThresholdPercent float64 `env:"WATCHDOG_THRESHOLD_PERCENT" default:"70"`

	// SampleInterval is how often CPU usage is sampled (default: 10s)
	SampleInterval time.Duration `env:"WATCHDOG_SAMPLE_INTERVAL" default:"10s"`

	// ConsecutiveSamples is how many over-threshold samples trigger exit (default: 6)
	ConsecutiveSamples int `env:"WATCHDOG_CONSECUTIVE_SAMPLES" default:"6"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
