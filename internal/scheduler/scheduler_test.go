package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/meridianhealth/jobkit/internal/config"
	"github.com/meridianhealth/jobkit/internal/database"
	"github.com/meridianhealth/jobkit/internal/lock"
	"github.com/meridianhealth/jobkit/internal/queue"
)

// testDB creates a test database with migrations.
func testDB(t *testing.T) *database.DB {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	cfg := &config.DatabaseConfig{
		Path:         dbPath,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}

	db, err := database.Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func testScheduler(t *testing.T, queues *queue.Registry) *CronScheduler {
	t.Helper()

	cfg := config.Default().Scheduler
	return New(testDB(t), queues, nil, cfg)
}

// freeze pins the scheduler's and its store's clock.
func freeze(s *CronScheduler, at time.Time) {
	s.now = func() time.Time { return at }
	s.store.now = s.now
}

func TestScheduler_EndToEnd(t *testing.T) {
	q := queue.NewMemoryQueue("notif")
	queues := queue.NewRegistry()
	queues.Register(q)

	s := testScheduler(t, queues)
	freeze(s, time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC))

	ctx := context.Background()

	schedule := &Schedule{
		Name:           "morning-reminder",
		CronExpression: "0 9 * * *",
		Timezone:       "UTC",
		QueueName:      "notif",
		JobName:        "remind",
		JobData:        map[string]any{"channel": "sms"},
		Enabled:        true,
	}
	if err := s.Store().Create(ctx, schedule); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if schedule.NextRun == nil {
		t.Fatal("Create() next_run should be set")
	}
	wantFirst := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	if !schedule.NextRun.Equal(wantFirst) {
		t.Fatalf("Create() next_run = %v, want %v", schedule.NextRun, wantFirst)
	}

	// Not yet due at creation time.
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if got := len(q.Jobs()); got != 0 {
		t.Fatalf("jobs enqueued before due = %d, want 0", got)
	}

	// One minute past the fire time.
	freeze(s, time.Date(2025, 1, 1, 9, 1, 0, 0, time.UTC))
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	jobs := q.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("jobs enqueued = %d, want 1", len(jobs))
	}
	if jobs[0].Name != "remind" {
		t.Errorf("job name = %v, want remind", jobs[0].Name)
	}

	got, err := s.Store().Get(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.RunCount != 1 {
		t.Errorf("run_count = %d, want 1", got.RunCount)
	}
	wantNext := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
	if got.NextRun == nil || !got.NextRun.Equal(wantNext) {
		t.Errorf("next_run = %v, want %v", got.NextRun, wantNext)
	}
	if got.LastRun == nil {
		t.Error("last_run should be set after firing")
	}

	// Second tick at the same instant fires nothing new.
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if got := len(q.Jobs()); got != 1 {
		t.Errorf("jobs after repeat tick = %d, want 1", got)
	}
}

func TestScheduler_DisabledNeverSelected(t *testing.T) {
	q := queue.NewMemoryQueue("notif")
	queues := queue.NewRegistry()
	queues.Register(q)

	s := testScheduler(t, queues)
	freeze(s, time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC))

	ctx := context.Background()

	schedule := &Schedule{
		Name:           "disabled-schedule",
		CronExpression: "* * * * *",
		Timezone:       "UTC",
		QueueName:      "notif",
		JobName:        "noop",
		Enabled:        false,
	}
	if err := s.Store().Create(ctx, schedule); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Far past any conceivable next_run.
	freeze(s, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if got := len(q.Jobs()); got != 0 {
		t.Errorf("jobs enqueued for disabled schedule = %d, want 0", got)
	}
}

func TestScheduler_EnqueueFailureLeavesNextRun(t *testing.T) {
	// No queue registered under the schedule's queue name, so every
	// fire attempt fails.
	queues := queue.NewRegistry()

	s := testScheduler(t, queues)
	freeze(s, time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC))

	ctx := context.Background()

	schedule := &Schedule{
		Name:           "broken-schedule",
		CronExpression: "0 9 * * *",
		Timezone:       "UTC",
		QueueName:      "missing",
		JobName:        "remind",
		Enabled:        true,
	}
	if err := s.Store().Create(ctx, schedule); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	originalNext := *schedule.NextRun

	freeze(s, time.Date(2025, 1, 1, 9, 1, 0, 0, time.UTC))
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	got, err := s.Store().Get(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.FailureCount != 1 {
		t.Errorf("failure_count = %d, want 1", got.FailureCount)
	}
	if got.RunCount != 0 {
		t.Errorf("run_count = %d, want 0", got.RunCount)
	}
	// next_run untouched: the next tick re-attempts immediately.
	if got.NextRun == nil || !got.NextRun.Equal(originalNext) {
		t.Errorf("next_run = %v, want unchanged %v", got.NextRun, originalNext)
	}
}

func TestScheduler_ExecuteNowBypassesDueCheck(t *testing.T) {
	q := queue.NewMemoryQueue("notif")
	queues := queue.NewRegistry()
	queues.Register(q)

	s := testScheduler(t, queues)
	freeze(s, time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC))

	ctx := context.Background()

	schedule := &Schedule{
		Name:           "manual-fire",
		CronExpression: "0 9 * * *",
		Timezone:       "UTC",
		QueueName:      "notif",
		JobName:        "remind",
		Enabled:        true,
	}
	if err := s.Store().Create(ctx, schedule); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// next_run is an hour away, but manual firing ignores that.
	if err := s.ExecuteNow(ctx, schedule.ID); err != nil {
		t.Fatalf("ExecuteNow() error = %v", err)
	}

	if got := len(q.Jobs()); got != 1 {
		t.Errorf("jobs after ExecuteNow = %d, want 1", got)
	}
}

// skipLocker simulates another replica holding the tick lock.
type skipLocker struct {
	acquireCalls int
}

func (l *skipLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*lock.Lock, error) {
	l.acquireCalls++
	return nil, nil
}

func (l *skipLocker) Release(ctx context.Context, lk *lock.Lock) (bool, error) {
	return false, nil
}

func TestScheduler_TickSkippedWhenLockHeldElsewhere(t *testing.T) {
	q := queue.NewMemoryQueue("notif")
	queues := queue.NewRegistry()
	queues.Register(q)

	cfg := config.Default().Scheduler
	locker := &skipLocker{}
	s := New(testDB(t), queues, locker, cfg)
	freeze(s, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))

	ctx := context.Background()

	schedule := &Schedule{
		Name:           "replicated",
		CronExpression: "* * * * *",
		Timezone:       "UTC",
		QueueName:      "notif",
		JobName:        "noop",
		Enabled:        true,
	}
	if err := s.Store().Create(ctx, schedule); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if locker.acquireCalls != 1 {
		t.Errorf("acquire calls = %d, want 1", locker.acquireCalls)
	}
	if got := len(q.Jobs()); got != 0 {
		t.Errorf("jobs enqueued while lock held elsewhere = %d, want 0", got)
	}
}

// recordLocker hands out a lock and remembers the context the release
// arrived with.
type recordLocker struct {
	released   int
	releaseCtx context.Context
}

func (l *recordLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*lock.Lock, error) {
	return &lock.Lock{Key: key, OwnerID: "owner-1"}, nil
}

func (l *recordLocker) Release(ctx context.Context, lk *lock.Lock) (bool, error) {
	l.released++
	l.releaseCtx = ctx
	return true, nil
}

func TestScheduler_TickLockReleasedAfterCancel(t *testing.T) {
	queues := queue.NewRegistry()
	locker := &recordLocker{}
	s := New(testDB(t), queues, locker, config.Default().Scheduler)
	freeze(s, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The due-schedule query may fail under the cancelled context; the
	// lock must be released regardless, with a context that still works.
	_ = s.Tick(ctx)

	if locker.released != 1 {
		t.Fatalf("release calls = %d, want 1", locker.released)
	}
	if err := locker.releaseCtx.Err(); err != nil {
		t.Errorf("release context error = %v, want nil", err)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	queues := queue.NewRegistry()
	s := testScheduler(t, queues)

	s.Start(context.Background())
	if !s.Running() {
		t.Fatal("Running() = false after Start")
	}

	// Idempotent start.
	s.Start(context.Background())

	s.Stop()
	if s.Running() {
		t.Error("Running() = true after Stop")
	}
}
