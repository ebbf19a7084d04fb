package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianhealth/jobkit/internal/config"
	"github.com/meridianhealth/jobkit/internal/database"
	"github.com/meridianhealth/jobkit/internal/lock"
	"github.com/meridianhealth/jobkit/internal/metrics"
	"github.com/meridianhealth/jobkit/internal/queue"
)

// TickLocker serializes ticks across process replicas. A nil lock from
// Acquire means another replica holds the tick; the local tick is
// skipped, not retried.
type TickLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*lock.Lock, error)
	Release(ctx context.Context, l *lock.Lock) (bool, error)
}

// CronScheduler polls persisted schedules and enqueues due jobs. Each
// instance owns its cancellation and running state; multiple independent
// schedulers may coexist in one process.
type CronScheduler struct {
	store  *Store
	queues *queue.Registry
	parser *CronParser
	locker TickLocker
	cfg    config.SchedulerConfig

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// tickInFlight prevents a timer firing from overlapping a slow tick
	// in the same process. Cross-replica exclusion is the locker's job.
	tickInFlight atomic.Bool

	now func() time.Time
}

// New creates a scheduler. locker may be nil for single-instance
// deployments; multi-replica deployments must supply one to avoid
// double-firing.
func New(db *database.DB, queues *queue.Registry, locker TickLocker, cfg config.SchedulerConfig) *CronScheduler {
	return &CronScheduler{
		store:  NewStore(db),
		queues: queues,
		parser: NewCronParser(),
		locker: locker,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Store exposes the schedule store for CRUD callers.
func (s *CronScheduler) Store() *Store {
	return s.store
}

// Start performs one immediate tick, then arms the periodic timer.
func (s *CronScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.Tick(loopCtx); err != nil {
		log.Error().Err(err).Msg("Initial scheduler tick failed")
	}

	s.wg.Add(1)
	go s.pollLoop(loopCtx)

	log.Info().
		Dur("check_interval", s.cfg.CheckInterval).
		Msg("Cron scheduler started")
}

// Stop disarms the timer. An in-flight tick completes.
func (s *CronScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	log.Info().Msg("Cron scheduler stopped")
}

// Running reports whether the poll loop is armed.
func (s *CronScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *CronScheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				log.Error().Err(err).Msg("Scheduler tick failed")
			}
		}
	}
}

// Tick processes all due schedules once. A tick never overlaps a
// still-executing previous tick from the same process; when a locker is
// configured, a tick held by another replica is skipped entirely.
func (s *CronScheduler) Tick(ctx context.Context) error {
	if !s.tickInFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer s.tickInFlight.Store(false)

	started := time.Now()
	defer func() {
		metrics.RecordTickDuration(time.Since(started))
	}()

	if s.locker != nil {
		l, err := s.locker.Acquire(ctx, s.cfg.LockKey, s.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("acquiring tick lock: %w", err)
		}
		if l == nil {
			log.Debug().Str("key", s.cfg.LockKey).Msg("Tick lock held elsewhere, skipping")
			return nil
		}
		defer func() {
			// A tick interrupted by shutdown still releases its lock
			// instead of leaving it to TTL expiry.
			if _, err := s.locker.Release(context.WithoutCancel(ctx), l); err != nil {
				log.Error().Err(err).Msg("Failed to release tick lock")
			}
		}()
	}

	return s.processDue(ctx)
}

func (s *CronScheduler) processDue(ctx context.Context) error {
	now := s.now()

	schedules, err := s.store.GetDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("getting due schedules: %w", err)
	}

	for _, schedule := range schedules {
		// Per-item failures are logged and counted; they never abort
		// the remaining items or the poller.
		if err := s.fire(ctx, schedule, now); err != nil {
			log.Error().
				Err(err).
				Str("schedule_id", schedule.ID).
				Str("schedule_name", schedule.Name).
				Msg("Failed to fire schedule")
		}
	}

	return nil
}

// fire enqueues one schedule's job and advances its bookkeeping. On
// enqueue failure next_run is left untouched so the next tick re-attempts
// immediately.
func (s *CronScheduler) fire(ctx context.Context, schedule *Schedule, now time.Time) error {
	q, err := s.queues.Get(schedule.QueueName)
	if err != nil {
		s.recordFailure(ctx, schedule)
		return err
	}

	var opts *queue.JobOptions
	if schedule.JobOptions != nil {
		opts = &queue.JobOptions{
			Delay:   schedule.JobOptions.Delay,
			Timeout: schedule.JobOptions.Timeout,
		}
	}

	if _, err := q.Enqueue(ctx, schedule.JobName, schedule.JobData, opts); err != nil {
		s.recordFailure(ctx, schedule)
		return fmt.Errorf("enqueueing job %s: %w", schedule.JobName, err)
	}

	metrics.RecordJobEnqueued(schedule.QueueName)

	nextRun, err := s.parser.NextRun(schedule.CronExpression, schedule.Timezone, now)
	if err != nil {
		s.recordFailure(ctx, schedule)
		return fmt.Errorf("calculating next run: %w", err)
	}

	if err := s.store.RecordFired(ctx, schedule.ID, now, nextRun); err != nil {
		return err
	}

	metrics.RecordScheduleFired(schedule.Name, "ok")

	log.Debug().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Time("next_run", nextRun).
		Msg("Schedule fired")

	return nil
}

func (s *CronScheduler) recordFailure(ctx context.Context, schedule *Schedule) {
	metrics.RecordScheduleFired(schedule.Name, "error")
	if err := s.store.RecordFailure(ctx, schedule.ID); err != nil {
		log.Error().
			Err(err).
			Str("schedule_id", schedule.ID).
			Msg("Failed to record schedule failure")
	}
}

// ExecuteNow fires a schedule immediately, bypassing the due check.
func (s *CronScheduler) ExecuteNow(ctx context.Context, scheduleID string) error {
	schedule, err := s.store.Get(ctx, scheduleID)
	if err != nil {
		return err
	}

	return s.fire(ctx, schedule, s.now())
}
