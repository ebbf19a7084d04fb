// Package history records finished jobs so the adaptive optimizer and
// operators have a trailing window of outcomes to analyze.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meridianhealth/jobkit/internal/adaptive"
	"github.com/meridianhealth/jobkit/internal/database"
	"github.com/meridianhealth/jobkit/internal/queue"
)

// Record is one finished job.
type Record struct {
	ID         string
	JobID      string
	JobName    string
	QueueName  string
	Duration   time.Duration
	Success    bool
	Error      string
	FinishedAt time.Time
}

// Store persists finished-job records.
type Store struct {
	db  *database.DB
	now func() time.Time
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Append inserts a finished-job record.
func (s *Store) Append(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = s.now().UTC()
	}

	query := `
		INSERT INTO job_history (id, job_id, job_name, queue_name, duration_ms, success, error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.JobID,
		rec.JobName,
		rec.QueueName,
		rec.Duration.Milliseconds(),
		boolToInt(rec.Success),
		nullIfEmpty(rec.Error),
		rec.FinishedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting job history: %w", err)
	}

	return nil
}

// Observe attaches the store to one queue's finished jobs. Completed
// jobs are recorded through RecordJob by workers; failures arrive via
// the queue's failure observer.
func (s *Store) Observe(q queue.Queue) {
	q.OnFailed(func(ctx context.Context, job *queue.Job, jobErr error) {
		if err := s.RecordJob(ctx, job); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record job history")
		}
	})
}

// RecordJob appends a history record derived from a finished job.
func (s *Store) RecordJob(ctx context.Context, job *queue.Job) error {
	rec := &Record{
		JobID:     job.ID,
		JobName:   job.Name,
		QueueName: job.Queue,
		Success:   job.Status == queue.StatusCompleted,
		Error:     job.Error,
	}
	if job.FinishedOn != nil {
		rec.FinishedAt = *job.FinishedOn
		if job.ProcessedOn != nil {
			rec.Duration = job.FinishedOn.Sub(*job.ProcessedOn)
		}
	}
	return s.Append(ctx, rec)
}

// Window returns records finished at or after since, oldest first.
func (s *Store) Window(ctx context.Context, since time.Time) ([]*Record, error) {
	query := `
		SELECT id, job_id, job_name, queue_name, duration_ms, success, error, finished_at
		FROM job_history
		WHERE finished_at >= ?
		ORDER BY finished_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("querying job history: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		var durationMs int64
		var success int
		var errMsg sql.NullString
		var finishedAt string

		if err := rows.Scan(
			&rec.ID,
			&rec.JobID,
			&rec.JobName,
			&rec.QueueName,
			&durationMs,
			&success,
			&errMsg,
			&finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}

		rec.Duration = time.Duration(durationMs) * time.Millisecond
		rec.Success = success != 0
		if errMsg.Valid {
			rec.Error = errMsg.String
		}

		t, parseErr := time.Parse(time.RFC3339, finishedAt)
		if parseErr != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", parseErr)
		}
		rec.FinishedAt = t

		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}

	return records, nil
}

// Prune deletes records older than the retention period and reports
// how many were removed.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-retention).Format(time.RFC3339)

	result, err := s.db.ExecContext(ctx, `DELETE FROM job_history WHERE finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning job history: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking prune result: %w", err)
	}
	if removed > 0 {
		log.Debug().Int64("removed", removed).Msg("Pruned job history")
	}
	return removed, nil
}

// HistoryFunc adapts the store to the optimizer's input, reading the
// given trailing window.
func (s *Store) HistoryFunc(window time.Duration) adaptive.HistoryFunc {
	return func(ctx context.Context) ([]adaptive.HistoryRecord, error) {
		records, err := s.Window(ctx, s.now().Add(-window))
		if err != nil {
			return nil, err
		}

		out := make([]adaptive.HistoryRecord, 0, len(records))
		for _, rec := range records {
			out = append(out, adaptive.HistoryRecord{
				Name:       rec.JobName,
				Duration:   rec.Duration,
				FinishedAt: rec.FinishedAt,
				Success:    rec.Success,
			})
		}
		return out, nil
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
