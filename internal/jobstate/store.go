package jobstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meridianhealth/jobkit/internal/database"
)

// Store handles database operations for job lifecycle records.
type Store struct {
	db *database.DB
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new lifecycle record. A second Initialize for the
// same job id surfaces as ErrAlreadyInitialized.
func (s *Store) Create(ctx context.Context, state *JobState) error {
	transitionsJSON, err := json.Marshal(state.Transitions)
	if err != nil {
		return fmt.Errorf("marshaling transitions: %w", err)
	}

	dataJSON, err := json.Marshal(state.StateData)
	if err != nil {
		return fmt.Errorf("marshaling state_data: %w", err)
	}

	query := `
		INSERT INTO job_states (job_id, queue_name, current_state, previous_state, transitions, state_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		state.JobID,
		state.QueueName,
		state.CurrentState,
		nullIfEmpty(state.PreviousState),
		string(transitionsJSON),
		string(dataJSON),
		state.CreatedAt.UTC().Format(time.RFC3339),
		state.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrAlreadyInitialized, state.JobID)
		}
		return fmt.Errorf("inserting job state: %w", err)
	}

	return nil
}

// Update persists the full record after a transition.
func (s *Store) Update(ctx context.Context, state *JobState) error {
	state.UpdatedAt = time.Now().UTC()

	transitionsJSON, err := json.Marshal(state.Transitions)
	if err != nil {
		return fmt.Errorf("marshaling transitions: %w", err)
	}

	dataJSON, err := json.Marshal(state.StateData)
	if err != nil {
		return fmt.Errorf("marshaling state_data: %w", err)
	}

	query := `
		UPDATE job_states
		SET current_state = ?, previous_state = ?, transitions = ?, state_data = ?, updated_at = ?
		WHERE job_id = ?
	`

	_, err = s.db.ExecContext(ctx, query,
		state.CurrentState,
		nullIfEmpty(state.PreviousState),
		string(transitionsJSON),
		string(dataJSON),
		state.UpdatedAt.Format(time.RFC3339),
		state.JobID,
	)
	if err != nil {
		return fmt.Errorf("updating job state: %w", err)
	}

	return nil
}

// Get retrieves a lifecycle record by job id.
func (s *Store) Get(ctx context.Context, jobID string) (*JobState, error) {
	query := `
		SELECT job_id, queue_name, current_state, previous_state, transitions, state_data, created_at, updated_at
		FROM job_states
		WHERE job_id = ?
	`

	var state JobState
	var previousState sql.NullString
	var transitionsJSON, dataJSON string
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, query, jobID).Scan(
		&state.JobID,
		&state.QueueName,
		&state.CurrentState,
		&previousState,
		&transitionsJSON,
		&dataJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrStateNotFound, jobID)
		}
		return nil, fmt.Errorf("getting job state: %w", err)
	}

	if previousState.Valid {
		state.PreviousState = previousState.String
	}

	if err := json.Unmarshal([]byte(transitionsJSON), &state.Transitions); err != nil {
		return nil, fmt.Errorf("unmarshaling transitions: %w", err)
	}

	if err := json.Unmarshal([]byte(dataJSON), &state.StateData); err != nil {
		return nil, fmt.Errorf("unmarshaling state_data: %w", err)
	}

	t, parseErr := time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	state.CreatedAt = t

	t, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}
	state.UpdatedAt = t

	return &state, nil
}

// ListByQueue retrieves lifecycle records for one queue, optionally
// filtered by current state.
func (s *Store) ListByQueue(ctx context.Context, queueName, currentState string) ([]*JobState, error) {
	query := `
		SELECT job_id FROM job_states
		WHERE queue_name = ?
	`
	args := []any{queueName}

	if currentState != "" {
		query += ` AND current_state = ?`
		args = append(args, currentState)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying job states: %w", err)
	}
	defer rows.Close()

	var jobIDs []string
	for rows.Next() {
		var jobID string
		if err := rows.Scan(&jobID); err != nil {
			return nil, fmt.Errorf("scanning job state row: %w", err)
		}
		jobIDs = append(jobIDs, jobID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job state rows: %w", err)
	}

	states := make([]*JobState, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		state, err := s.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}

	return states, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
