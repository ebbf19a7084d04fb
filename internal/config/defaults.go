package config

import "time"

// Default configuration values.
const (
	// Database defaults.
	DefaultDBPath       = "jobkit.db"
	DefaultCacheSize    = -64000 // 64MB
	DefaultBusyTimeout  = 5 * time.Second
	DefaultMaxOpenConns = 1 // SQLite works best with single writer
	DefaultMaxIdleConns = 1

	// Redis defaults.
	DefaultRedisAddr        = "localhost:6379"
	DefaultRedisDialTimeout = 5 * time.Second
	DefaultRedisReadTimeout = 3 * time.Second
	DefaultRedisPoolSize    = 10

	// Queue defaults.
	DefaultQueueName         = "default"
	DefaultQueuePrefix       = "jobkit"
	DefaultQueuePollInterval = 250 * time.Millisecond
	DefaultWaitPollInterval  = 100 * time.Millisecond
	DefaultJobTimeout        = 5 * time.Minute
	DefaultQueueRetention    = 24 * time.Hour

	// Scheduler defaults.
	DefaultCheckInterval = time.Minute
	DefaultBatchSize     = 100
	DefaultLockKey       = "scheduler:tick"
	DefaultLockTTL       = 30 * time.Second

	// Recovery defaults.
	DefaultMaxAttempts    = 3
	DefaultBackoff        = "exponential"
	DefaultInitialDelay   = time.Second
	DefaultMaxRetryDelay  = 5 * time.Minute
	DefaultSweepInterval  = time.Minute
	DefaultStalledTimeout = 5 * time.Minute

	// Logging defaults.
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:            DefaultDBPath,
			WALMode:         true,
			CacheSize:       DefaultCacheSize,
			BusyTimeout:     DefaultBusyTimeout,
			ForeignKeys:     true,
			MaxOpenConns:    DefaultMaxOpenConns,
			MaxIdleConns:    DefaultMaxIdleConns,
			ConnMaxLifetime: 0, // No limit
		},
		Redis: RedisConfig{
			Addr:        DefaultRedisAddr,
			DB:          0,
			DialTimeout: DefaultRedisDialTimeout,
			ReadTimeout: DefaultRedisReadTimeout,
			PoolSize:    DefaultRedisPoolSize,
		},
		Queue: QueueConfig{
			Names:             []string{DefaultQueueName},
			KeyPrefix:         DefaultQueuePrefix,
			PollInterval:      DefaultQueuePollInterval,
			WaitPollInterval:  DefaultWaitPollInterval,
			DefaultJobTimeout: DefaultJobTimeout,
			Retention:         DefaultQueueRetention,
		},
		Scheduler: SchedulerConfig{
			CheckInterval: DefaultCheckInterval,
			BatchSize:     DefaultBatchSize,
			LockKey:       DefaultLockKey,
			LockTTL:       DefaultLockTTL,
		},
		Recovery: RecoveryConfig{
			MaxAttempts:    DefaultMaxAttempts,
			Backoff:        DefaultBackoff,
			InitialDelay:   DefaultInitialDelay,
			MaxDelay:       DefaultMaxRetryDelay,
			SweepInterval:  DefaultSweepInterval,
			StalledTimeout: DefaultStalledTimeout,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "localhost:9108",
		},
		Logging: LoggingConfig{
			Level:     DefaultLogLevel,
			Format:    DefaultLogFormat,
			Caller:    false,
			Timestamp: true,
		},
	}
}
