package config

import (
	"fmt"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
		sb.WriteString("\n")
	}
	return sb.String()
}

func Validate(cfg *Config) error {
	var errs ValidationErrors

	errs = append(errs, validateDatabase(&cfg.Database)...)
	errs = append(errs, validateRedis(&cfg.Redis)...)
	errs = append(errs, validateScheduler(&cfg.Scheduler)...)
	errs = append(errs, validateRecovery(&cfg.Recovery)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateDatabase(cfg *DatabaseConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "database.path",
			Message: "must not be empty",
		})
	}

	if cfg.MaxOpenConns < 1 {
		errs = append(errs, ValidationError{
			Field:   "database.max_open_conns",
			Message: "must be at least 1",
		})
	}

	if cfg.BusyTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "database.busy_timeout",
			Message: "must be non-negative",
		})
	}

	return errs
}

func validateRedis(cfg *RedisConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Addr == "" {
		errs = append(errs, ValidationError{
			Field:   "redis.addr",
			Message: "must not be empty",
		})
	}

	if cfg.DB < 0 {
		errs = append(errs, ValidationError{
			Field:   "redis.db",
			Message: "must be non-negative",
		})
	}

	return errs
}

func validateScheduler(cfg *SchedulerConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.CheckInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.check_interval",
			Message: "must be positive",
		})
	}

	if cfg.BatchSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.batch_size",
			Message: "must be at least 1",
		})
	}

	if cfg.LockTTL <= 0 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.lock_ttl",
			Message: "must be positive",
		})
	}

	return errs
}

func validateRecovery(cfg *RecoveryConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.MaxAttempts < 1 {
		errs = append(errs, ValidationError{
			Field:   "recovery.max_attempts",
			Message: "must be at least 1",
		})
	}

	switch cfg.Backoff {
	case "fixed", "linear", "exponential":
	default:
		errs = append(errs, ValidationError{
			Field:   "recovery.backoff",
			Message: "must be one of: fixed, linear, exponential",
		})
	}

	if cfg.InitialDelay <= 0 {
		errs = append(errs, ValidationError{
			Field:   "recovery.initial_delay",
			Message: "must be positive",
		})
	}

	if cfg.MaxDelay < cfg.InitialDelay {
		errs = append(errs, ValidationError{
			Field:   "recovery.max_delay",
			Message: "must be at least initial_delay",
		})
	}

	return errs
}

func validateLogging(cfg *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch cfg.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of: trace, debug, info, warn, error",
		})
	}

	switch cfg.Format {
	case "console", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be console or json",
		})
	}

	return errs
}
