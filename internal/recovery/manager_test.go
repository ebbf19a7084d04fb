package recovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meridianhealth/jobkit/internal/config"
	"github.com/meridianhealth/jobkit/internal/queue"
)

func testManager(t *testing.T, q *queue.MemoryQueue, policy Policy) *Manager {
	t.Helper()

	queues := queue.NewRegistry()
	queues.Register(q)

	cfg := config.Default().Recovery
	m := New(queues, policy, cfg)
	m.Watch(q)
	return m
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManager_RecoversFailedJob(t *testing.T) {
	q := queue.NewMemoryQueue("sync")

	var runs atomic.Int32
	q.Process(func(ctx context.Context, job *queue.Job) (map[string]any, error) {
		if runs.Add(1) == 1 {
			return nil, errors.New("upstream unavailable")
		}
		return map[string]any{"synced": true}, nil
	})

	m := testManager(t, q, Policy{MaxAttempts: 3, Backoff: BackoffFixed})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "sync-patients", map[string]any{"clinic": "c-9"}, &queue.JobOptions{JobID: "sync-1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, func() bool {
		job, err := q.Job(ctx, "sync-1-recovery-1")
		return err == nil && job.Status == queue.StatusCompleted
	}, "recovery attempt never completed")

	if got := m.Attempts("sync-1"); got != 1 {
		t.Errorf("Attempts(sync-1) = %d, want 1", got)
	}
	if got := m.Status("sync-1"); got != StatusRecovering {
		t.Errorf("Status(sync-1) = %q, want %q", got, StatusRecovering)
	}

	// The retry carries the original payload.
	job, err := q.Job(ctx, "sync-1-recovery-1")
	if err != nil {
		t.Fatalf("Job() error = %v", err)
	}
	if job.Payload["clinic"] != "c-9" {
		t.Errorf("recovery payload = %v, want original", job.Payload)
	}
	if job.Name != "sync-patients" {
		t.Errorf("recovery job name = %q, want sync-patients", job.Name)
	}
}

func TestManager_ExhaustionMarksPermanent(t *testing.T) {
	q := queue.NewMemoryQueue("sync")
	q.Process(func(ctx context.Context, job *queue.Job) (map[string]any, error) {
		return nil, errors.New("upstream unavailable")
	})

	m := testManager(t, q, Policy{MaxAttempts: 2, Backoff: BackoffFixed})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "sync-patients", nil, &queue.JobOptions{JobID: "sync-2"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Two retries fail in turn; the third recovery request is refused.
	waitFor(t, func() bool {
		return m.Status("sync-2") == StatusFailedPermanent
	}, "job never marked permanently failed")

	if got := m.Attempts("sync-2"); got != 2 {
		t.Errorf("Attempts(sync-2) = %d, want 2", got)
	}
}

func TestManager_ShouldRecoverFilter(t *testing.T) {
	q := queue.NewMemoryQueue("sync")
	q.Process(func(ctx context.Context, job *queue.Job) (map[string]any, error) {
		return nil, errors.New("validation: missing patient id")
	})

	policy := Policy{
		MaxAttempts: 3,
		ShouldRecover: func(job *queue.Job, jobErr error) bool {
			return false
		},
	}
	m := testManager(t, q, policy)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "sync-patients", nil, &queue.JobOptions{JobID: "sync-3"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, func() bool {
		return m.Status("sync-3") == StatusFailedPermanent
	}, "filtered job never marked permanently failed")

	if got := m.Attempts("sync-3"); got != 0 {
		t.Errorf("Attempts(sync-3) = %d, want 0 (no retry for filtered failures)", got)
	}
	if got := len(q.Jobs()); got != 1 {
		t.Errorf("queue holds %d jobs, want 1 (no recovery enqueued)", got)
	}
}

func TestManager_RecoverExhaustedDirectly(t *testing.T) {
	q := queue.NewMemoryQueue("sync")
	m := testManager(t, q, Policy{MaxAttempts: 0})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "sync-patients", nil, &queue.JobOptions{JobID: "sync-4"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	job, err := q.Job(ctx, "sync-4")
	if err != nil {
		t.Fatalf("Job() error = %v", err)
	}

	if _, err := m.Recover(ctx, q, job); !errors.Is(err, ErrRecoveryExhausted) {
		t.Errorf("Recover() error = %v, want ErrRecoveryExhausted", err)
	}
	if got := m.Status("sync-4"); got != StatusFailedPermanent {
		t.Errorf("Status(sync-4) = %q, want %q", got, StatusFailedPermanent)
	}
}

func TestManager_SweepStalled(t *testing.T) {
	// No handler registered: enqueued jobs sit waiting, MarkActive
	// simulates a worker that picked them up and died.
	q := queue.NewMemoryQueue("sync")
	m := testManager(t, q, Policy{MaxAttempts: 3, Backoff: BackoffFixed})

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	m.cfg.StalledTimeout = time.Minute

	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "sync-patients", nil, &queue.JobOptions{JobID: "stall-1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	// This one has a generous per-job timeout and must survive the sweep.
	if _, err := q.Enqueue(ctx, "sync-patients", nil, &queue.JobOptions{JobID: "stall-2", Timeout: 10 * time.Minute}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := q.MarkActive("stall-1", now.Add(-2*time.Minute)); err != nil {
		t.Fatalf("MarkActive() error = %v", err)
	}
	if err := q.MarkActive("stall-2", now.Add(-2*time.Minute)); err != nil {
		t.Fatalf("MarkActive() error = %v", err)
	}

	m.SweepStalled(ctx)

	stalled, err := q.Job(ctx, "stall-1")
	if err != nil {
		t.Fatalf("Job() error = %v", err)
	}
	if stalled.Status != queue.StatusFailed {
		t.Errorf("stall-1 status = %v, want %v", stalled.Status, queue.StatusFailed)
	}

	healthy, err := q.Job(ctx, "stall-2")
	if err != nil {
		t.Fatalf("Job() error = %v", err)
	}
	if healthy.Status != queue.StatusActive {
		t.Errorf("stall-2 status = %v, want %v (within its own timeout)", healthy.Status, queue.StatusActive)
	}

	// The stall failure flowed into the recovery path.
	if _, err := q.Job(ctx, "stall-1-recovery-1"); err != nil {
		t.Errorf("expected recovery job for stall-1: %v", err)
	}
	if got := m.Status("stall-1"); got != StatusRecovering {
		t.Errorf("Status(stall-1) = %q, want %q", got, StatusRecovering)
	}
}

func TestManager_StartStop(t *testing.T) {
	q := queue.NewMemoryQueue("sync")
	queues := queue.NewRegistry()
	queues.Register(q)

	cfg := config.Default().Recovery
	cfg.SweepInterval = 10 * time.Millisecond
	m := New(queues, Policy{MaxAttempts: 1}, cfg)

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Start(ctx); err == nil {
		t.Error("second Start() succeeded, want error")
	}

	m.Stop()
	// Stop is idempotent.
	m.Stop()
}
