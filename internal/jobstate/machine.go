// Package jobstate tracks per-job lifecycles through a caller-supplied
// directed graph of named states. The machine enforces that graph
// strictly: a transition not listed in the adjacency map fails, it is
// never silently accepted.
package jobstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dario.cat/mergo"

	"github.com/meridianhealth/jobkit/internal/database"
)

var (
	// ErrInvalidTransition is returned for transitions not declared in
	// the adjacency map.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrStateNotFound is returned when a job has no lifecycle record.
	ErrStateNotFound = errors.New("job state not found")
	// ErrAlreadyInitialized is returned when Initialize is called twice
	// for the same job id.
	ErrAlreadyInitialized = errors.New("job state already initialized")
)

// Transition is one recorded edge traversal.
type Transition struct {
	From      string         `json:"from"`
	To        string         `json:"to"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// JobState is a job's lifecycle record. CurrentState is always the To of
// the last transition, or the initial state when none exist.
type JobState struct {
	JobID         string
	QueueName     string
	CurrentState  string
	PreviousState string
	Transitions   []Transition
	StateData     map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TransitionHook observes completed transitions.
type TransitionHook interface {
	OnTransition(ctx context.Context, from, to, jobID string)
}

// HookFunc adapts a function to TransitionHook.
type HookFunc func(ctx context.Context, from, to, jobID string)

func (f HookFunc) OnTransition(ctx context.Context, from, to, jobID string) {
	f(ctx, from, to, jobID)
}

// Config describes the state graph.
type Config struct {
	// InitialState is where Initialize places new jobs.
	InitialState string
	// States is the full set of state labels.
	States []string
	// Transitions maps each state to its allowed next states.
	Transitions map[string][]string
	// Hook, if set, runs after each successful transition.
	Hook TransitionHook
}

// Machine validates and records job state transitions.
type Machine struct {
	store *Store
	cfg   Config
}

// NewMachine builds a machine after checking the graph is well-formed:
// the initial state is declared and every adjacency edge references
// declared states.
func NewMachine(db *database.DB, cfg Config) (*Machine, error) {
	known := make(map[string]bool, len(cfg.States))
	for _, s := range cfg.States {
		known[s] = true
	}

	if !known[cfg.InitialState] {
		return nil, fmt.Errorf("initial state %q not in state set", cfg.InitialState)
	}

	for from, tos := range cfg.Transitions {
		if !known[from] {
			return nil, fmt.Errorf("transition source %q not in state set", from)
		}
		for _, to := range tos {
			if !known[to] {
				return nil, fmt.Errorf("transition target %q (from %q) not in state set", to, from)
			}
		}
	}

	return &Machine{store: NewStore(db), cfg: cfg}, nil
}

// Initialize creates the lifecycle record at the configured initial
// state with empty transition history.
func (m *Machine) Initialize(ctx context.Context, jobID, queueName string, initialData map[string]any) (*JobState, error) {
	if initialData == nil {
		initialData = map[string]any{}
	}

	now := time.Now().UTC()
	state := &JobState{
		JobID:        jobID,
		QueueName:    queueName,
		CurrentState: m.cfg.InitialState,
		Transitions:  []Transition{},
		StateData:    initialData,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := m.store.Create(ctx, state); err != nil {
		return nil, err
	}

	return state, nil
}

// Transition moves the job to toState if the edge is declared, appending
// a transition record and deep-merging data into the job's state data
// (existing keys overwritten, others preserved).
func (m *Machine) Transition(ctx context.Context, jobID, toState string, data map[string]any) (*JobState, error) {
	state, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if !m.allowed(state.CurrentState, toState) {
		return nil, fmt.Errorf("%w: %s -> %s for job %s", ErrInvalidTransition, state.CurrentState, toState, jobID)
	}

	from := state.CurrentState

	state.Transitions = append(state.Transitions, Transition{
		From:      from,
		To:        toState,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	state.PreviousState = from
	state.CurrentState = toState

	if data != nil {
		if err := mergo.Merge(&state.StateData, data, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging state data: %w", err)
		}
	}

	if err := m.store.Update(ctx, state); err != nil {
		return nil, err
	}

	if m.cfg.Hook != nil {
		m.cfg.Hook.OnTransition(ctx, from, toState, jobID)
	}

	return state, nil
}

// CanTransitionTo is a non-mutating validity check.
func (m *Machine) CanTransitionTo(ctx context.Context, jobID, toState string) (bool, error) {
	state, err := m.store.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	return m.allowed(state.CurrentState, toState), nil
}

// Get loads a job's lifecycle record.
func (m *Machine) Get(ctx context.Context, jobID string) (*JobState, error) {
	return m.store.Get(ctx, jobID)
}

// TransitionHistory returns the ordered transition list.
func (m *Machine) TransitionHistory(ctx context.Context, jobID string) ([]Transition, error) {
	state, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return state.Transitions, nil
}

func (m *Machine) allowed(from, to string) bool {
	for _, next := range m.cfg.Transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Store exposes the underlying store for direct queries.
func (m *Machine) Store() *Store {
	return m.store
}
