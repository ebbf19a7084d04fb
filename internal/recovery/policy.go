// Package recovery re-enqueues failed jobs with backoff and sweeps
// queues for stalled workers.
package recovery

import (
	"errors"
	"time"

	"github.com/meridianhealth/jobkit/internal/config"
	"github.com/meridianhealth/jobkit/internal/queue"
)

// ErrRecoveryExhausted is returned when a job has used up its recovery
// attempts.
var ErrRecoveryExhausted = errors.New("recovery attempts exhausted")

// Backoff selects how the retry delay grows across attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// Policy decides whether and when a failed job is retried.
type Policy struct {
	// MaxAttempts caps recovery attempts per original job.
	MaxAttempts int

	// Backoff strategy for the retry delay.
	Backoff Backoff

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay is a ceiling applied to every computed delay.
	MaxDelay time.Duration

	// ShouldRecover, when set, filters which failures are retried at
	// all. Validation errors, for example, will fail identically on
	// every attempt.
	ShouldRecover func(job *queue.Job, jobErr error) bool
}

// PolicyFromConfig builds a policy from the recovery section of the
// config file. ShouldRecover is code and must be set by the caller.
func PolicyFromConfig(cfg config.RecoveryConfig) Policy {
	return Policy{
		MaxAttempts:  cfg.MaxAttempts,
		Backoff:      Backoff(cfg.Backoff),
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
	}
}

// CanRecover reports whether another attempt is allowed after
// attemptsMade recovery attempts.
func (p Policy) CanRecover(attemptsMade int) bool {
	return attemptsMade < p.MaxAttempts
}

// Delay computes the wait before recovery attempt n (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = p.InitialDelay * time.Duration(attempt)
	case BackoffExponential:
		d = p.InitialDelay
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	default:
		d = p.InitialDelay
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
