// Package chain sequences multiple queue jobs into a multi-step
// workflow with per-step guard and transform hooks, pause/resume and
// partial-progress persistence.
package chain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrChainNotFound is returned when a chain id has no row.
	ErrChainNotFound = errors.New("job chain not found")
	// ErrChainRunning is returned when Execute is called on a chain
	// that is already running.
	ErrChainRunning = errors.New("job chain already running")
	// ErrChainNotRunnable is returned when Execute is called on a
	// terminal chain.
	ErrChainNotRunnable = errors.New("job chain not runnable")
	// ErrInvalidStatus is returned by Pause/Resume/Cancel from a status
	// they do not apply to.
	ErrInvalidStatus = errors.New("invalid chain status for operation")
	// ErrStepsNotRegistered is returned when a chain's step definitions
	// are not known to this orchestrator instance.
	ErrStepsNotRegistered = errors.New("chain steps not registered")
)

// Status is a chain's lifecycle state. completed, failed and cancelled
// are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
)

// Condition guards a step. A false result skips the step; the step
// index still advances.
type Condition interface {
	Evaluate(ctx context.Context, chainCtx map[string]any) (bool, error)
}

// ConditionFunc adapts a function to Condition.
type ConditionFunc func(ctx context.Context, chainCtx map[string]any) (bool, error)

func (f ConditionFunc) Evaluate(ctx context.Context, chainCtx map[string]any) (bool, error) {
	return f(ctx, chainCtx)
}

// Transformer derives a step's payload from the accumulated context.
// Absent a transformer the context is passed through unchanged.
type Transformer interface {
	Transform(chainCtx map[string]any) map[string]any
}

// TransformerFunc adapts a function to Transformer.
type TransformerFunc func(chainCtx map[string]any) map[string]any

func (f TransformerFunc) Transform(chainCtx map[string]any) map[string]any {
	return f(chainCtx)
}

// StepHooks observe a step's outcome.
type StepHooks interface {
	OnSuccess(ctx context.Context, chainCtx, result map[string]any)
	OnError(ctx context.Context, chainCtx map[string]any, err error)
}

// Step is one unit of work within a chain.
type Step struct {
	Queue     string
	JobName   string
	Condition Condition
	Transform Transformer
	Hooks     StepHooks
}

// StepResult records one executed (or skipped) step.
type StepResult struct {
	Step    int            `json:"step"`
	JobID   string         `json:"job_id,omitempty"`
	Skipped bool           `json:"skipped,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
}

// Chain is a workflow instance. CurrentStep only increases while the
// chain is running; a paused chain resumes exactly there.
type Chain struct {
	ID          string
	Name        string
	Status      Status
	CurrentStep int
	StepCount   int
	Context     map[string]any
	Results     []StepResult
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
