// Package adaptive throttles job admission based on observed load and
// produces advisory tuning recommendations from job history.
package adaptive

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianhealth/jobkit/internal/queue"
)

// LoadFunc reports current load as a ratio in [0, 1], for example
// active workers over configured concurrency.
type LoadFunc func(ctx context.Context) (float64, error)

// Options tune the admission delay curve.
type Options struct {
	// LoadThreshold is the load ratio below which jobs are admitted at
	// MinDelay.
	LoadThreshold float64

	// MinDelay applies under the threshold.
	MinDelay time.Duration

	// MaxDelay is the saturation point at full load.
	MaxDelay time.Duration
}

// DefaultOptions mirrors the admission curve used in production:
// immediate under 70% load, ramping to a 30s delay at saturation.
func DefaultOptions() Options {
	return Options{
		LoadThreshold: 0.7,
		MinDelay:      0,
		MaxDelay:      30 * time.Second,
	}
}

// Scheduler delays enqueues proportionally to how far load exceeds the
// threshold. The caller is never blocked; backpressure is expressed as
// job delay.
type Scheduler struct {
	queue queue.Queue
	load  LoadFunc
	opts  Options
}

func New(q queue.Queue, load LoadFunc, opts Options) *Scheduler {
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}
	return &Scheduler{queue: q, load: load, opts: opts}
}

// Schedule enqueues a job with a delay derived from current load.
func (s *Scheduler) Schedule(ctx context.Context, jobName string, payload map[string]any) (queue.JobHandle, error) {
	load, err := s.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("sampling load: %w", err)
	}

	delay := s.DelayFor(load)
	if delay > 0 {
		log.Debug().
			Str("job", jobName).
			Float64("load", load).
			Dur("delay", delay).
			Msg("Delaying job under load")
	}

	return s.queue.Enqueue(ctx, jobName, payload, &queue.JobOptions{Delay: delay})
}

// DelayFor maps a load ratio onto the admission delay curve: MinDelay
// below the threshold, then a linear ramp to MaxDelay at full load.
func (s *Scheduler) DelayFor(load float64) time.Duration {
	if load < s.opts.LoadThreshold {
		return s.opts.MinDelay
	}
	if load >= 1 {
		return s.opts.MaxDelay
	}

	span := 1 - s.opts.LoadThreshold
	if span <= 0 {
		return s.opts.MaxDelay
	}

	excess := (load - s.opts.LoadThreshold) / span
	ramp := time.Duration(float64(s.opts.MaxDelay-s.opts.MinDelay) * excess)
	return s.opts.MinDelay + ramp
}
