package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meridianhealth/jobkit/internal/database"
	"github.com/meridianhealth/jobkit/internal/metrics"
	"github.com/meridianhealth/jobkit/internal/queue"
)

// Orchestrator runs chains step by step. Progress is checkpointed to
// the database after every step, so a paused or interrupted chain
// resumes from the step after the last completed one.
//
// Step definitions carry code (conditions, transforms, hooks) and are
// not persisted; after a process restart they must be re-attached with
// RegisterSteps before Execute or Resume.
type Orchestrator struct {
	store  *Store
	queues *queue.Registry

	mu    sync.RWMutex
	steps map[string][]Step
}

func New(db *database.DB, queues *queue.Registry) *Orchestrator {
	return &Orchestrator{
		store:  NewStore(db),
		queues: queues,
		steps:  make(map[string][]Step),
	}
}

// Create persists a new pending chain and registers its steps.
func (o *Orchestrator) Create(ctx context.Context, name string, steps []Step, initialContext map[string]any) (*Chain, error) {
	if len(steps) == 0 {
		return nil, errors.New("chain requires at least one step")
	}
	for i, step := range steps {
		if step.Queue == "" || step.JobName == "" {
			return nil, fmt.Errorf("step %d: queue and job name are required", i)
		}
		if _, err := o.queues.Get(step.Queue); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	chainCtx := initialContext
	if chainCtx == nil {
		chainCtx = map[string]any{}
	}

	now := time.Now().UTC()
	c := &Chain{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    StatusPending,
		StepCount: len(steps),
		Context:   chainCtx,
		Results:   []StepResult{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := o.store.Create(ctx, c); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.steps[c.ID] = steps
	o.mu.Unlock()

	log.Info().
		Str("chain_id", c.ID).
		Str("name", name).
		Int("steps", len(steps)).
		Msg("Job chain created")

	return c, nil
}

// RegisterSteps re-attaches step definitions to an existing chain,
// typically after a process restart.
func (o *Orchestrator) RegisterSteps(chainID string, steps []Step) {
	o.mu.Lock()
	o.steps[chainID] = steps
	o.mu.Unlock()
}

// Get retrieves a chain's persisted state.
func (o *Orchestrator) Get(ctx context.Context, chainID string) (*Chain, error) {
	return o.store.Get(ctx, chainID)
}

// Execute runs a chain from its current step until it completes,
// fails, or a Pause/Cancel takes effect at a step boundary. A chain
// that is already running is refused.
func (o *Orchestrator) Execute(ctx context.Context, chainID string) error {
	c, err := o.store.Get(ctx, chainID)
	if err != nil {
		return err
	}

	switch c.Status {
	case StatusRunning:
		return fmt.Errorf("%w: %s", ErrChainRunning, chainID)
	case StatusCompleted, StatusCancelled, StatusFailed:
		return fmt.Errorf("%w: %s is %s", ErrChainNotRunnable, chainID, c.Status)
	}

	o.mu.RLock()
	steps, ok := o.steps[chainID]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrStepsNotRegistered, chainID)
	}
	if len(steps) != c.StepCount {
		return fmt.Errorf("chain %s: %d steps registered, row expects %d", chainID, len(steps), c.StepCount)
	}

	c.Status = StatusRunning
	if c.StartedAt == nil {
		now := time.Now().UTC()
		c.StartedAt = &now
	}
	if err := o.store.Update(ctx, c); err != nil {
		return err
	}

	log.Info().
		Str("chain_id", c.ID).
		Str("name", c.Name).
		Int("from_step", c.CurrentStep).
		Msg("Executing job chain")

	startStep := c.CurrentStep
	for i := startStep; i < len(steps); i++ {
		if i > startStep {
			// A Pause or Cancel issued while the previous step ran
			// takes effect here.
			status, err := o.store.GetStatus(ctx, c.ID)
			if err != nil {
				return err
			}
			if status == StatusPaused || status == StatusCancelled {
				log.Info().
					Str("chain_id", c.ID).
					Str("status", string(status)).
					Int("step", i).
					Msg("Job chain stopped at step boundary")
				return nil
			}
		}

		if err := o.runStep(ctx, c, i, steps[i]); err != nil {
			return err
		}
	}

	c.Status = StatusCompleted
	now := time.Now().UTC()
	c.CompletedAt = &now
	if err := o.store.Update(ctx, c); err != nil {
		return err
	}

	log.Info().
		Str("chain_id", c.ID).
		Str("name", c.Name).
		Msg("Job chain completed")

	return nil
}

// Pause requests a running chain to stop at the next step boundary.
// The step currently in flight finishes first.
func (o *Orchestrator) Pause(ctx context.Context, chainID string) error {
	c, err := o.store.Get(ctx, chainID)
	if err != nil {
		return err
	}
	if c.Status != StatusRunning {
		return fmt.Errorf("%w: cannot pause %s chain", ErrInvalidStatus, c.Status)
	}

	c.Status = StatusPaused
	if err := o.store.Update(ctx, c); err != nil {
		return err
	}

	log.Info().Str("chain_id", chainID).Msg("Job chain paused")
	return nil
}

// Resume continues a paused chain from where it stopped.
func (o *Orchestrator) Resume(ctx context.Context, chainID string) error {
	c, err := o.store.Get(ctx, chainID)
	if err != nil {
		return err
	}
	if c.Status != StatusPaused {
		return fmt.Errorf("%w: cannot resume %s chain", ErrInvalidStatus, c.Status)
	}

	log.Info().
		Str("chain_id", chainID).
		Int("step", c.CurrentStep).
		Msg("Resuming job chain")

	return o.Execute(ctx, chainID)
}

// Cancel terminally stops a chain. A running chain stops at the next
// step boundary; the status is cancelled immediately.
func (o *Orchestrator) Cancel(ctx context.Context, chainID string) error {
	c, err := o.store.Get(ctx, chainID)
	if err != nil {
		return err
	}
	switch c.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return fmt.Errorf("%w: cannot cancel %s chain", ErrInvalidStatus, c.Status)
	}

	c.Status = StatusCancelled
	now := time.Now().UTC()
	c.CompletedAt = &now
	if err := o.store.Update(ctx, c); err != nil {
		return err
	}

	log.Info().Str("chain_id", chainID).Msg("Job chain cancelled")
	return nil
}

func (o *Orchestrator) runStep(ctx context.Context, c *Chain, index int, step Step) error {
	start := time.Now()

	if step.Condition != nil {
		ok, err := step.Condition.Evaluate(ctx, c.Context)
		if err != nil {
			return o.failChain(ctx, c, index, step, time.Since(start), fmt.Errorf("evaluating condition for step %d: %w", index, err))
		}
		if !ok {
			log.Debug().
				Str("chain_id", c.ID).
				Int("step", index).
				Str("job", step.JobName).
				Msg("Chain step skipped by condition")

			c.Results = append(c.Results, StepResult{Step: index, Skipped: true})
			c.CurrentStep = index + 1
			metrics.RecordChainStep(c.Name, "skipped", time.Since(start))
			return o.store.UpdateProgress(ctx, c)
		}
	}

	payload := c.Context
	if step.Transform != nil {
		payload = step.Transform.Transform(c.Context)
	}

	q, err := o.queues.Get(step.Queue)
	if err != nil {
		return o.failChain(ctx, c, index, step, time.Since(start), err)
	}

	handle, err := q.Enqueue(ctx, step.JobName, payload, nil)
	if err != nil {
		return o.failChain(ctx, c, index, step, time.Since(start), fmt.Errorf("enqueueing step %d: %w", index, err))
	}

	result, err := handle.WaitUntilFinished(ctx)
	if err != nil {
		return o.failChain(ctx, c, index, step, time.Since(start), fmt.Errorf("step %d job %s: %w", index, handle.ID(), err))
	}

	if step.Hooks != nil {
		step.Hooks.OnSuccess(ctx, c.Context, result)
	}

	// Step results flow forward: later conditions and transforms see
	// them merged into the shared context, last write wins.
	for k, v := range result {
		c.Context[k] = v
	}
	c.Results = append(c.Results, StepResult{Step: index, JobID: handle.ID(), Result: result})
	c.CurrentStep = index + 1

	metrics.RecordChainStep(c.Name, "completed", time.Since(start))

	return o.store.UpdateProgress(ctx, c)
}

func (o *Orchestrator) failChain(ctx context.Context, c *Chain, index int, step Step, elapsed time.Duration, cause error) error {
	if step.Hooks != nil {
		step.Hooks.OnError(ctx, c.Context, cause)
	}

	c.Status = StatusFailed
	c.Error = cause.Error()
	now := time.Now().UTC()
	c.CompletedAt = &now

	metrics.RecordChainStep(c.Name, "failed", elapsed)

	log.Error().
		Err(cause).
		Str("chain_id", c.ID).
		Str("name", c.Name).
		Int("step", index).
		Msg("Job chain failed")

	if err := o.store.Update(ctx, c); err != nil {
		return fmt.Errorf("persisting failed chain: %w", err)
	}

	return cause
}
