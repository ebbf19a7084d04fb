package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/meridianhealth/jobkit/internal/config"
)

func testDB(t *testing.T) *DB {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	cfg := &config.DatabaseConfig{
		Path:         dbPath,
		WALMode:      true,
		ForeignKeys:  true,
		CacheSize:    -2000,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}

	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func insertState(tx *Tx, jobID string) error {
	_, err := tx.Exec(`
		INSERT INTO job_states (job_id, queue_name, current_state, created_at, updated_at)
		VALUES (?, 'billing', 'created', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')
	`, jobID)
	return err
}

func countStates(t *testing.T, db *DB) int {
	t.Helper()

	var count int
	err := db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM job_states").Scan(&count)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return count
}

func TestOpenAndPing(t *testing.T) {
	db := testDB(t)

	if err := db.Ping(context.Background()); err != nil {
		t.Errorf("ping failed: %v", err)
	}

	// Migrations ran on open.
	for _, table := range []string{"schedules", "job_states", "job_chains", "job_history"} {
		var name string
		err := db.QueryRowContext(context.Background(),
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after open: %v", table, err)
		}
	}
}

func TestTransaction(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	err := db.Transaction(ctx, func(tx *Tx) error {
		if err := insertState(tx, "job-1"); err != nil {
			return err
		}
		return insertState(tx, "job-2")
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	if count := countStates(t, db); count != 2 {
		t.Errorf("expected 2 rows, got %d", count)
	}
}

func TestTransactionRollback(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	err := db.Transaction(ctx, func(tx *Tx) error {
		if err := insertState(tx, "job-1"); err != nil {
			return err
		}
		// Duplicate primary key forces the whole transaction back.
		return insertState(tx, "job-1")
	})
	if err == nil {
		t.Fatal("expected transaction to fail")
	}

	if count := countStates(t, db); count != 0 {
		t.Errorf("expected 0 rows after rollback, got %d", count)
	}
}

func TestTransactionRollbackOnPanic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()

		_ = db.Transaction(ctx, func(tx *Tx) error {
			if err := insertState(tx, "job-1"); err != nil {
				return err
			}
			panic("handler blew up")
		})
	}()

	if count := countStates(t, db); count != 0 {
		t.Errorf("expected 0 rows after panicked transaction, got %d", count)
	}
}
