package recovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianhealth/jobkit/internal/config"
	"github.com/meridianhealth/jobkit/internal/metrics"
	"github.com/meridianhealth/jobkit/internal/queue"
)

// Tracked statuses for failed jobs the manager has seen.
const (
	StatusRecovering      = "recovering"
	StatusFailedPermanent = "failed_permanent"
)

// Manager watches queues for failed jobs and re-enqueues them with
// backoff per its policy. It also sweeps active sets for jobs whose
// worker died mid-processing and fails them so the same recovery path
// applies.
//
// Recovery attempts are counted against the original job id: a retry
// of "sync-1" runs as "sync-1-recovery-1", and its own failure counts
// as attempt two for "sync-1".
type Manager struct {
	queues *queue.Registry
	policy Policy
	cfg    config.RecoveryConfig

	mu       sync.Mutex
	attempts map[string]int
	statuses map[string]string

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	now func() time.Time
}

func New(queues *queue.Registry, policy Policy, cfg config.RecoveryConfig) *Manager {
	return &Manager{
		queues:   queues,
		policy:   policy,
		cfg:      cfg,
		attempts: make(map[string]int),
		statuses: make(map[string]string),
		now:      time.Now,
	}
}

// Start attaches failure observers to every registered queue and
// begins the stalled-job sweep loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("recovery manager already started")
	}
	m.running = true
	m.mu.Unlock()

	for _, name := range m.queues.Names() {
		q, err := m.queues.Get(name)
		if err != nil {
			return err
		}
		m.Watch(q)
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.sweepLoop(ctx)

	log.Info().
		Int("max_attempts", m.policy.MaxAttempts).
		Str("backoff", string(m.policy.Backoff)).
		Dur("sweep_interval", m.cfg.SweepInterval).
		Msg("Recovery manager started")

	return nil
}

// Stop halts the sweep loop. Failure observers stay attached; they are
// inert once their queues stop.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	log.Info().Msg("Recovery manager stopped")
}

// Watch attaches the manager's failure observer to one queue.
func (m *Manager) Watch(q queue.Queue) {
	q.OnFailed(func(ctx context.Context, job *queue.Job, jobErr error) {
		m.handleFailure(ctx, q, job, jobErr)
	})
}

// Status reports the tracked recovery status for an original job id.
// The empty string means the job has not failed under this manager.
func (m *Manager) Status(jobID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[originalJobID(jobID)]
}

// Attempts reports how many recovery attempts an original job id has
// consumed.
func (m *Manager) Attempts(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[originalJobID(jobID)]
}

// Recover re-enqueues a failed job as its next recovery attempt,
// delayed per the backoff policy. It returns ErrRecoveryExhausted when
// the original job has no attempts left.
func (m *Manager) Recover(ctx context.Context, q queue.Queue, job *queue.Job) (queue.JobHandle, error) {
	originalID := originalJobID(job.ID)

	m.mu.Lock()
	made := m.attempts[originalID]
	if !m.policy.CanRecover(made) {
		m.statuses[originalID] = StatusFailedPermanent
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s after %d attempts", ErrRecoveryExhausted, originalID, made)
	}
	attempt := made + 1
	m.attempts[originalID] = attempt
	m.statuses[originalID] = StatusRecovering
	m.mu.Unlock()

	delay := m.policy.Delay(attempt)
	opts := &queue.JobOptions{
		JobID: fmt.Sprintf("%s-recovery-%d", originalID, attempt),
		Delay: delay,
	}

	handle, err := q.Enqueue(ctx, job.Name, job.Payload, opts)
	if err != nil {
		m.mu.Lock()
		m.attempts[originalID] = made
		m.mu.Unlock()
		return nil, fmt.Errorf("enqueueing recovery attempt %d for %s: %w", attempt, originalID, err)
	}

	log.Info().
		Str("job_id", originalID).
		Str("recovery_id", handle.ID()).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("Job scheduled for recovery")

	return handle, nil
}

func (m *Manager) handleFailure(ctx context.Context, q queue.Queue, job *queue.Job, jobErr error) {
	originalID := originalJobID(job.ID)

	if m.policy.ShouldRecover != nil && !m.policy.ShouldRecover(job, jobErr) {
		m.mu.Lock()
		m.statuses[originalID] = StatusFailedPermanent
		m.mu.Unlock()

		metrics.RecordRecovery(q.Name(), "skipped")
		log.Warn().
			Err(jobErr).
			Str("job_id", job.ID).
			Str("queue", q.Name()).
			Msg("Job failure not recoverable")
		return
	}

	if _, err := m.Recover(ctx, q, job); err != nil {
		metrics.RecordRecovery(q.Name(), "exhausted")
		log.Error().
			Err(err).
			Str("job_id", originalID).
			Str("queue", q.Name()).
			Msg("Job failed permanently")
		return
	}

	metrics.RecordRecovery(q.Name(), "recovered")
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = config.DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepStalled(ctx)
		}
	}
}

// SweepStalled fails every active job that has exceeded its processing
// timeout. The failure then flows through the normal recovery path.
func (m *Manager) SweepStalled(ctx context.Context) {
	for _, name := range m.queues.Names() {
		q, err := m.queues.Get(name)
		if err != nil {
			continue
		}
		m.sweepQueue(ctx, q)
	}
}

func (m *Manager) sweepQueue(ctx context.Context, q queue.Queue) {
	jobs, err := q.ActiveJobs(ctx)
	if err != nil {
		log.Error().Err(err).Str("queue", q.Name()).Msg("Failed to list active jobs")
		return
	}

	now := m.now()
	for _, job := range jobs {
		if job.ProcessedOn == nil {
			continue
		}

		timeout := job.Timeout
		if timeout <= 0 {
			timeout = m.cfg.StalledTimeout
		}
		if now.Sub(*job.ProcessedOn) <= timeout {
			continue
		}

		metrics.RecordStalledJob()
		log.Warn().
			Str("job_id", job.ID).
			Str("queue", q.Name()).
			Time("processed_on", *job.ProcessedOn).
			Dur("timeout", timeout).
			Msg("Stalled job detected")

		if err := q.Fail(ctx, job.ID, "stalled: processing timeout exceeded"); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to fail stalled job")
		}
	}
}

// originalJobID strips any "-recovery-N" suffix so attempts accumulate
// against the first enqueue.
func originalJobID(id string) string {
	const marker = "-recovery-"
	idx := strings.LastIndex(id, marker)
	if idx == -1 {
		return id
	}
	if _, err := strconv.Atoi(id[idx+len(marker):]); err != nil {
		return id
	}
	return id[:idx]
}
