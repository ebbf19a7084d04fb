// Package config provides configuration management for jobkit.
package config

import (
	"time"
)

// Config is the root configuration structure for jobkit.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig holds settings for the SQLite metadata store.
type DatabaseConfig struct {
	// Path to SQLite database file
	Path string `mapstructure:"path"`

	// Enable WAL mode (recommended)
	WALMode bool `mapstructure:"wal_mode"`

	// Cache size in KB (negative for KB, positive for pages)
	CacheSize int `mapstructure:"cache_size"`

	// Busy timeout in milliseconds
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`

	// Enable foreign keys
	ForeignKeys bool `mapstructure:"foreign_keys"`

	// Maximum open connections
	MaxOpenConns int `mapstructure:"max_open_conns"`

	// Maximum idle connections
	MaxIdleConns int `mapstructure:"max_idle_conns"`

	// Connection max lifetime
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds settings for the shared key-value store backing
// locks, concurrency sets, dedup markers and the durable queue.
type RedisConfig struct {
	// Address in host:port form
	Addr string `mapstructure:"addr"`

	// Password (optional)
	Password string `mapstructure:"password"`

	// Database number
	DB int `mapstructure:"db"`

	// Dial timeout
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// Per-command read timeout
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// Connection pool size
	PoolSize int `mapstructure:"pool_size"`
}

// QueueConfig holds settings for the durable queue.
type QueueConfig struct {
	// Queue names this process serves
	Names []string `mapstructure:"names"`

	// Key prefix for all queue structures in Redis
	KeyPrefix string `mapstructure:"key_prefix"`

	// Interval between polls of the waiting list by workers
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Interval between checks of a job's status in WaitUntilFinished
	WaitPollInterval time.Duration `mapstructure:"wait_poll_interval"`

	// Default per-job execution timeout
	DefaultJobTimeout time.Duration `mapstructure:"default_job_timeout"`

	// How long completed/failed job records are retained
	Retention time.Duration `mapstructure:"retention"`
}

// SchedulerConfig holds settings for the cron scheduler poll loop.
type SchedulerConfig struct {
	// How often to poll for due schedules
	CheckInterval time.Duration `mapstructure:"check_interval"`

	// Maximum due schedules handled per tick
	BatchSize int `mapstructure:"batch_size"`

	// Lock key used to serialize ticks across replicas
	LockKey string `mapstructure:"lock_key"`

	// TTL of the tick lock; must exceed the longest expected tick
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// RecoveryConfig holds settings for the recovery manager.
type RecoveryConfig struct {
	// Maximum recovery attempts per job
	MaxAttempts int `mapstructure:"max_attempts"`

	// Backoff strategy: fixed, linear, or exponential
	Backoff string `mapstructure:"backoff"`

	// Initial retry delay
	InitialDelay time.Duration `mapstructure:"initial_delay"`

	// Ceiling applied to every computed delay
	MaxDelay time.Duration `mapstructure:"max_delay"`

	// How often the stalled-job sweep runs
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// Fallback timeout for jobs that carry none of their own
	StalledTimeout time.Duration `mapstructure:"stalled_timeout"`
}

// MetricsConfig holds settings for the Prometheus endpoint.
type MetricsConfig struct {
	// Enable the /metrics HTTP endpoint
	Enabled bool `mapstructure:"enabled"`

	// Listen address for the metrics endpoint
	Addr string `mapstructure:"addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Output format: console or json
	Format string `mapstructure:"format"`

	// Include caller information
	Caller bool `mapstructure:"caller"`

	// Include timestamps
	Timestamp bool `mapstructure:"timestamp"`
}
