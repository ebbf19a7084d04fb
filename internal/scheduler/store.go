package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhealth/jobkit/internal/database"
)

// ErrScheduleNotFound is returned when a schedule id has no row.
var ErrScheduleNotFound = errors.New("schedule not found")

// Store handles database operations for schedules.
type Store struct {
	db     *database.DB
	parser *CronParser

	now func() time.Time
}

// NewStore creates a new schedule store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db, parser: NewCronParser(), now: time.Now}
}

// Create inserts a new schedule. The cron expression and timezone are
// validated first; invalid definitions are never persisted.
func (s *Store) Create(ctx context.Context, schedule *Schedule) error {
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	if schedule.Timezone == "" {
		schedule.Timezone = "UTC"
	}
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = s.now().UTC()
	}
	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = s.now().UTC()
	}
	if schedule.JobData == nil {
		schedule.JobData = map[string]any{}
	}

	if err := s.parser.Validate(schedule.CronExpression, schedule.Timezone); err != nil {
		return fmt.Errorf("validating schedule: %w", err)
	}

	if schedule.NextRun == nil {
		nextRun, err := s.parser.NextRun(schedule.CronExpression, schedule.Timezone, s.now().UTC())
		if err != nil {
			return fmt.Errorf("calculating initial next_run: %w", err)
		}
		schedule.NextRun = &nextRun
	}

	dataJSON, err := json.Marshal(schedule.JobData)
	if err != nil {
		return fmt.Errorf("marshaling job_data: %w", err)
	}

	var optsJSON sql.NullString
	if schedule.JobOptions != nil {
		raw, err := json.Marshal(schedule.JobOptions)
		if err != nil {
			return fmt.Errorf("marshaling job_options: %w", err)
		}
		optsJSON = sql.NullString{String: string(raw), Valid: true}
	}

	query := `
		INSERT INTO schedules (id, name, cron_expression, timezone, queue_name, job_name, job_data, job_options, enabled, last_run, next_run, run_count, failure_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		schedule.ID,
		schedule.Name,
		schedule.CronExpression,
		schedule.Timezone,
		schedule.QueueName,
		schedule.JobName,
		string(dataJSON),
		optsJSON,
		boolToInt(schedule.Enabled),
		timePtrToNull(schedule.LastRun),
		timePtrToNull(schedule.NextRun),
		schedule.RunCount,
		schedule.FailureCount,
		schedule.CreatedAt.UTC().Format(time.RFC3339),
		schedule.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting schedule: %w", err)
	}

	return nil
}

// Update updates an existing schedule after re-validating its definition.
func (s *Store) Update(ctx context.Context, schedule *Schedule) error {
	if err := s.parser.Validate(schedule.CronExpression, schedule.Timezone); err != nil {
		return fmt.Errorf("validating schedule: %w", err)
	}

	schedule.UpdatedAt = s.now().UTC()

	dataJSON, err := json.Marshal(schedule.JobData)
	if err != nil {
		return fmt.Errorf("marshaling job_data: %w", err)
	}

	var optsJSON sql.NullString
	if schedule.JobOptions != nil {
		raw, err := json.Marshal(schedule.JobOptions)
		if err != nil {
			return fmt.Errorf("marshaling job_options: %w", err)
		}
		optsJSON = sql.NullString{String: string(raw), Valid: true}
	}

	query := `
		UPDATE schedules
		SET name = ?, cron_expression = ?, timezone = ?, queue_name = ?, job_name = ?, job_data = ?, job_options = ?, enabled = ?, last_run = ?, next_run = ?, run_count = ?, failure_count = ?, updated_at = ?
		WHERE id = ?
	`

	_, err = s.db.ExecContext(ctx, query,
		schedule.Name,
		schedule.CronExpression,
		schedule.Timezone,
		schedule.QueueName,
		schedule.JobName,
		string(dataJSON),
		optsJSON,
		boolToInt(schedule.Enabled),
		timePtrToNull(schedule.LastRun),
		timePtrToNull(schedule.NextRun),
		schedule.RunCount,
		schedule.FailureCount,
		schedule.UpdatedAt.UTC().Format(time.RFC3339),
		schedule.ID,
	)
	if err != nil {
		return fmt.Errorf("updating schedule: %w", err)
	}

	return nil
}

// RecordFired advances next_run, sets last_run and increments run_count
// after a successful enqueue.
func (s *Store) RecordFired(ctx context.Context, scheduleID string, lastRun, nextRun time.Time) error {
	query := `
		UPDATE schedules
		SET last_run = ?, next_run = ?, run_count = run_count + 1, updated_at = ?
		WHERE id = ?
	`

	_, err := s.db.ExecContext(ctx, query,
		lastRun.UTC().Format(time.RFC3339),
		nextRun.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		scheduleID,
	)
	if err != nil {
		return fmt.Errorf("recording firing: %w", err)
	}

	return nil
}

// RecordFailure increments failure_count. next_run is deliberately left
// alone so the next tick re-attempts immediately.
func (s *Store) RecordFailure(ctx context.Context, scheduleID string) error {
	query := `
		UPDATE schedules
		SET failure_count = failure_count + 1, updated_at = ?
		WHERE id = ?
	`

	_, err := s.db.ExecContext(ctx, query,
		time.Now().UTC().Format(time.RFC3339),
		scheduleID,
	)
	if err != nil {
		return fmt.Errorf("recording failure: %w", err)
	}

	return nil
}

// SetEnabled flips the enabled flag.
func (s *Store) SetEnabled(ctx context.Context, scheduleID string, enabled bool) error {
	query := `UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?`

	_, err := s.db.ExecContext(ctx, query,
		boolToInt(enabled),
		time.Now().UTC().Format(time.RFC3339),
		scheduleID,
	)
	if err != nil {
		return fmt.Errorf("updating enabled flag: %w", err)
	}

	return nil
}

// Delete removes a schedule.
func (s *Store) Delete(ctx context.Context, scheduleID string) error {
	query := `DELETE FROM schedules WHERE id = ?`

	_, err := s.db.ExecContext(ctx, query, scheduleID)
	if err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}

	return nil
}

// Get retrieves a schedule by ID.
func (s *Store) Get(ctx context.Context, scheduleID string) (*Schedule, error) {
	query := selectColumns + ` WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, scheduleID)

	schedule, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, scheduleID)
		}
		return nil, fmt.Errorf("getting schedule: %w", err)
	}

	return schedule, nil
}

// List retrieves all schedules.
func (s *Store) List(ctx context.Context) ([]*Schedule, error) {
	query := selectColumns + ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying schedules: %w", err)
	}
	defer rows.Close()

	return scanSchedules(rows)
}

// GetDue retrieves enabled schedules whose next_run has passed, earliest
// first. Disabled schedules are never selected regardless of next_run.
func (s *Store) GetDue(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	query := selectColumns + `
		WHERE enabled = 1
		  AND next_run IS NOT NULL
		  AND next_run <= ?
		ORDER BY next_run ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due schedules: %w", err)
	}
	defer rows.Close()

	return scanSchedules(rows)
}

const selectColumns = `
	SELECT id, name, cron_expression, timezone, queue_name, job_name, job_data, job_options, enabled, last_run, next_run, run_count, failure_count, created_at, updated_at
	FROM schedules
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var schedule Schedule
	var dataJSON string
	var optsJSON, lastRun, nextRun sql.NullString
	var createdAt, updatedAt string
	var enabled int

	err := row.Scan(
		&schedule.ID,
		&schedule.Name,
		&schedule.CronExpression,
		&schedule.Timezone,
		&schedule.QueueName,
		&schedule.JobName,
		&dataJSON,
		&optsJSON,
		&enabled,
		&lastRun,
		&nextRun,
		&schedule.RunCount,
		&schedule.FailureCount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if unmarshalErr := json.Unmarshal([]byte(dataJSON), &schedule.JobData); unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshaling job_data: %w", unmarshalErr)
	}

	if optsJSON.Valid {
		var opts JobOptions
		if unmarshalErr := json.Unmarshal([]byte(optsJSON.String), &opts); unmarshalErr != nil {
			return nil, fmt.Errorf("unmarshaling job_options: %w", unmarshalErr)
		}
		schedule.JobOptions = &opts
	}

	schedule.Enabled = enabled == 1

	if lastRun.Valid {
		t, parseErr := time.Parse(time.RFC3339, lastRun.String)
		if parseErr != nil {
			return nil, fmt.Errorf("parsing last_run: %w", parseErr)
		}
		schedule.LastRun = &t
	}

	if nextRun.Valid {
		t, parseErr := time.Parse(time.RFC3339, nextRun.String)
		if parseErr != nil {
			return nil, fmt.Errorf("parsing next_run: %w", parseErr)
		}
		schedule.NextRun = &t
	}

	createdAtTime, parseErr := time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	schedule.CreatedAt = createdAtTime

	updatedAtTime, parseErr := time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}
	schedule.UpdatedAt = updatedAtTime

	return &schedule, nil
}

func scanSchedules(rows *sql.Rows) ([]*Schedule, error) {
	var schedules []*Schedule

	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule row: %w", err)
		}
		schedules = append(schedules, schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating schedule rows: %w", err)
	}

	return schedules, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtrToNull(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}
