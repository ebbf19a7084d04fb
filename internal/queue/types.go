// Package queue provides the durable job queue the scheduling core hands
// work to. The core codes against the Queue interface; RedisQueue is the
// production implementation and MemoryQueue serves tests and embedded
// single-node deployments.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobNotFound is returned when a job id has no record.
	ErrJobNotFound = errors.New("job not found")
	// ErrNoHandler is returned when a queue is started without a handler.
	ErrNoHandler = errors.New("no handler registered")
	// ErrJobFailed is returned by WaitUntilFinished for a failed job.
	ErrJobFailed = errors.New("job failed")
)

// Status represents the lifecycle state of a queued job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is a unit of work held by a queue.
type Job struct {
	ID           string
	Name         string
	Queue        string
	Payload      map[string]any
	Status       Status
	AttemptsMade int
	Timeout      time.Duration
	ProcessedOn  *time.Time
	FinishedOn   *time.Time
	Result       map[string]any
	Error        string
}

// JobOptions control enqueue behavior.
type JobOptions struct {
	// JobID overrides the generated id (used for recovery re-enqueues).
	JobID string
	// Delay postpones the job's eligibility for processing.
	Delay time.Duration
	// Timeout bounds execution; exceeded jobs are eligible for the
	// stalled-job sweep.
	Timeout time.Duration
}

// Handler processes a job and returns its result.
type Handler func(ctx context.Context, job *Job) (map[string]any, error)

// FailedHandler observes job failures.
type FailedHandler func(ctx context.Context, job *Job, jobErr error)

// JobHandle references an enqueued job.
type JobHandle interface {
	// ID returns the job id.
	ID() string
	// WaitUntilFinished blocks until the job completes or fails, or the
	// context is done. A failed job yields an error wrapping ErrJobFailed.
	WaitUntilFinished(ctx context.Context) (map[string]any, error)
}

// Queue is the durable queue contract the scheduling core depends on.
type Queue interface {
	// Name returns the queue name.
	Name() string

	// Enqueue adds a job and returns a handle to it.
	Enqueue(ctx context.Context, jobName string, payload map[string]any, opts *JobOptions) (JobHandle, error)

	// Process registers the handler invoked for each job.
	Process(handler Handler)

	// OnFailed registers a failure observer. Observers run in the worker
	// process after a job is marked failed.
	OnFailed(handler FailedHandler)

	// Job loads a job record by id.
	Job(ctx context.Context, jobID string) (*Job, error)

	// ActiveJobs lists jobs currently being processed.
	ActiveJobs(ctx context.Context) ([]*Job, error)

	// Fail marks a job failed with the given reason and notifies failure
	// observers. Used by the stalled-job sweep for hung workers that will
	// never emit a failure event themselves.
	Fail(ctx context.Context, jobID, reason string) error
}
