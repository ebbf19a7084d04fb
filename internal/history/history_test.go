package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/meridianhealth/jobkit/internal/config"
	"github.com/meridianhealth/jobkit/internal/database"
	"github.com/meridianhealth/jobkit/internal/queue"
)

// testStore creates a store over a fresh migrated database.
func testStore(t *testing.T) *Store {
	t.Helper()

	tmpDir := t.TempDir()
	cfg := &config.DatabaseConfig{
		Path:         filepath.Join(tmpDir, "test.db"),
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

	return NewStore(db)
}

func TestStore_AppendAndWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	records := []*Record{
		{JobID: "j-1", JobName: "sync", QueueName: "work", Duration: 10 * time.Second, Success: true, FinishedAt: base},
		{JobID: "j-2", JobName: "sync", QueueName: "work", Duration: 20 * time.Second, Success: false, Error: "timeout", FinishedAt: base.Add(time.Hour)},
		{JobID: "j-3", JobName: "report", QueueName: "work", Duration: 5 * time.Second, Success: true, FinishedAt: base.Add(-48 * time.Hour)},
	}
	for _, rec := range records {
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.Window(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Window() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Window() returned %d records, want 2", len(got))
	}
	// Oldest first.
	if got[0].JobID != "j-1" || got[1].JobID != "j-2" {
		t.Errorf("Window() order = %s, %s; want j-1, j-2", got[0].JobID, got[1].JobID)
	}
	if got[0].Duration != 10*time.Second {
		t.Errorf("Duration = %v, want 10s", got[0].Duration)
	}
	if got[1].Success || got[1].Error != "timeout" {
		t.Errorf("failed record round-trip = %+v", got[1])
	}
}

func TestStore_RecordJobFromQueue(t *testing.T) {
	s := testStore(t)

	q := queue.NewMemoryQueue("work")
	q.Process(func(ctx context.Context, job *queue.Job) (map[string]any, error) {
		if job.Name == "bad" {
			return nil, errors.New("boom")
		}
		return nil, nil
	})
	s.Observe(q)

	ctx := context.Background()
	handle, err := q.Enqueue(ctx, "good", nil, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := handle.WaitUntilFinished(ctx); err != nil {
		t.Fatalf("WaitUntilFinished() error = %v", err)
	}

	// Completions are recorded by the worker on its way out.
	job, err := q.Job(ctx, handle.ID())
	if err != nil {
		t.Fatalf("Job() error = %v", err)
	}
	if err := s.RecordJob(ctx, job); err != nil {
		t.Fatalf("RecordJob() error = %v", err)
	}

	// Failures flow in through the queue observer.
	handle, err = q.Enqueue(ctx, "bad", nil, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := handle.WaitUntilFinished(ctx); !errors.Is(err, queue.ErrJobFailed) {
		t.Fatalf("WaitUntilFinished() error = %v, want ErrJobFailed", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got []*Record
	for time.Now().Before(deadline) {
		got, err = s.Window(ctx, time.Now().Add(-time.Minute))
		if err != nil {
			t.Fatalf("Window() error = %v", err)
		}
		if len(got) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(got) != 2 {
		t.Fatalf("Window() returned %d records, want 2", len(got))
	}

	byName := map[string]*Record{}
	for _, rec := range got {
		byName[rec.JobName] = rec
	}
	if rec := byName["good"]; rec == nil || !rec.Success {
		t.Errorf("good record = %+v, want success", rec)
	}
	if rec := byName["bad"]; rec == nil || rec.Success || rec.Error == "" {
		t.Errorf("bad record = %+v, want recorded failure", rec)
	}
}

func TestStore_Prune(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	old := &Record{JobID: "j-old", JobName: "sync", QueueName: "work", FinishedAt: now.Add(-72 * time.Hour)}
	fresh := &Record{JobID: "j-new", JobName: "sync", QueueName: "work", FinishedAt: now.Add(-time.Hour)}
	for _, rec := range []*Record{old, fresh} {
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	removed, err := s.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Prune() removed %d, want 1", removed)
	}

	got, err := s.Window(ctx, now.Add(-100*time.Hour))
	if err != nil {
		t.Fatalf("Window() error = %v", err)
	}
	if len(got) != 1 || got[0].JobID != "j-new" {
		t.Errorf("surviving records = %v, want only j-new", got)
	}
}

func TestStore_HistoryFuncFeedsOptimizer(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		rec := &Record{
			JobID:      "j",
			JobName:    "sync",
			QueueName:  "work",
			Duration:   30 * time.Second,
			Success:    i < 3,
			FinishedAt: now.Add(-time.Duration(i) * time.Hour),
		}
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	fn := s.HistoryFunc(24 * time.Hour)
	records, err := fn(ctx)
	if err != nil {
		t.Fatalf("HistoryFunc() error = %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("HistoryFunc() returned %d records, want 4", len(records))
	}
	if records[0].Name != "sync" || records[0].Duration != 30*time.Second {
		t.Errorf("record = %+v, want sync/30s", records[0])
	}
}
