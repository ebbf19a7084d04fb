package chain

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meridianhealth/jobkit/internal/database"
)

// Store handles database operations for chain rows.
type Store struct {
	db *database.DB
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new chain row.
func (s *Store) Create(ctx context.Context, c *Chain) error {
	contextJSON, resultsJSON, err := marshalProgress(c)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO job_chains (id, name, status, current_step, step_count, context, results, error, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		c.ID,
		c.Name,
		string(c.Status),
		c.CurrentStep,
		c.StepCount,
		contextJSON,
		resultsJSON,
		nullIfEmpty(c.Error),
		timePtrToNull(c.StartedAt),
		timePtrToNull(c.CompletedAt),
		c.CreatedAt.UTC().Format(time.RFC3339),
		c.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting job chain: %w", err)
	}

	return nil
}

// Update persists the full row.
func (s *Store) Update(ctx context.Context, c *Chain) error {
	c.UpdatedAt = time.Now().UTC()

	contextJSON, resultsJSON, err := marshalProgress(c)
	if err != nil {
		return err
	}

	query := `
		UPDATE job_chains
		SET status = ?, current_step = ?, context = ?, results = ?, error = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(c.Status),
		c.CurrentStep,
		contextJSON,
		resultsJSON,
		nullIfEmpty(c.Error),
		timePtrToNull(c.StartedAt),
		timePtrToNull(c.CompletedAt),
		c.UpdatedAt.Format(time.RFC3339),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating job chain: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrChainNotFound, c.ID)
	}

	return nil
}

// UpdateProgress persists step progress without touching the status
// column, so a Pause or Cancel issued while a step was in flight is
// not overwritten by the checkpoint.
func (s *Store) UpdateProgress(ctx context.Context, c *Chain) error {
	c.UpdatedAt = time.Now().UTC()

	contextJSON, resultsJSON, err := marshalProgress(c)
	if err != nil {
		return err
	}

	query := `
		UPDATE job_chains
		SET current_step = ?, context = ?, results = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		c.CurrentStep,
		contextJSON,
		resultsJSON,
		c.UpdatedAt.Format(time.RFC3339),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating chain progress: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrChainNotFound, c.ID)
	}

	return nil
}

// Get retrieves a chain by id.
func (s *Store) Get(ctx context.Context, id string) (*Chain, error) {
	query := `
		SELECT id, name, status, current_step, step_count, context, results, error, started_at, completed_at, created_at, updated_at
		FROM job_chains
		WHERE id = ?
	`

	var c Chain
	var status string
	var contextJSON, resultsJSON string
	var errMsg sql.NullString
	var startedAt, completedAt sql.NullString
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID,
		&c.Name,
		&status,
		&c.CurrentStep,
		&c.StepCount,
		&contextJSON,
		&resultsJSON,
		&errMsg,
		&startedAt,
		&completedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrChainNotFound, id)
		}
		return nil, fmt.Errorf("getting job chain: %w", err)
	}

	c.Status = Status(status)
	if errMsg.Valid {
		c.Error = errMsg.String
	}

	if err := json.Unmarshal([]byte(contextJSON), &c.Context); err != nil {
		return nil, fmt.Errorf("unmarshaling context: %w", err)
	}
	if err := json.Unmarshal([]byte(resultsJSON), &c.Results); err != nil {
		return nil, fmt.Errorf("unmarshaling results: %w", err)
	}

	if c.StartedAt, err = parseNullTime(startedAt, "started_at"); err != nil {
		return nil, err
	}
	if c.CompletedAt, err = parseNullTime(completedAt, "completed_at"); err != nil {
		return nil, err
	}

	t, parseErr := time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	c.CreatedAt = t

	t, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}
	c.UpdatedAt = t

	return &c, nil
}

// GetStatus reads just the status column. Execute polls this at step
// boundaries to notice a concurrent Pause or Cancel.
func (s *Store) GetStatus(ctx context.Context, id string) (Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM job_chains WHERE id = ?`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrChainNotFound, id)
		}
		return "", fmt.Errorf("getting chain status: %w", err)
	}
	return Status(status), nil
}

// ListByStatus retrieves chains in a given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*Chain, error) {
	query := `
		SELECT id FROM job_chains
		WHERE status = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("querying job chains: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning chain row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chain rows: %w", err)
	}

	chains := make([]*Chain, 0, len(ids))
	for _, id := range ids {
		c, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		chains = append(chains, c)
	}

	return chains, nil
}

func marshalProgress(c *Chain) (contextJSON, resultsJSON string, err error) {
	chainCtx := c.Context
	if chainCtx == nil {
		chainCtx = map[string]any{}
	}
	ctxBytes, err := json.Marshal(chainCtx)
	if err != nil {
		return "", "", fmt.Errorf("marshaling context: %w", err)
	}

	results := c.Results
	if results == nil {
		results = []StepResult{}
	}
	resBytes, err := json.Marshal(results)
	if err != nil {
		return "", "", fmt.Errorf("marshaling results: %w", err)
	}

	return string(ctxBytes), string(resBytes), nil
}

func parseNullTime(v sql.NullString, column string) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", column, err)
	}
	return &t, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func timePtrToNull(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}
