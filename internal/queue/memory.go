package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue used by tests and embedded
// single-node deployments. Jobs run on their own goroutine as soon as
// they become eligible; without a registered handler they stay waiting.
type MemoryQueue struct {
	name string

	mu             sync.Mutex
	jobs           map[string]*Job
	done           map[string]chan struct{}
	handler        Handler
	failedHandlers []FailedHandler
}

func NewMemoryQueue(name string) *MemoryQueue {
	return &MemoryQueue{
		name: name,
		jobs: make(map[string]*Job),
		done: make(map[string]chan struct{}),
	}
}

func (q *MemoryQueue) Name() string { return q.name }

func (q *MemoryQueue) Enqueue(ctx context.Context, jobName string, payload map[string]any, opts *JobOptions) (JobHandle, error) {
	if opts == nil {
		opts = &JobOptions{}
	}

	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	job := &Job{
		ID:      jobID,
		Name:    jobName,
		Queue:   q.name,
		Payload: payload,
		Status:  StatusWaiting,
		Timeout: opts.Timeout,
	}
	if opts.Delay > 0 {
		job.Status = StatusDelayed
	}

	q.mu.Lock()
	q.jobs[jobID] = job
	q.done[jobID] = make(chan struct{})
	handler := q.handler
	q.mu.Unlock()

	if handler != nil {
		if opts.Delay > 0 {
			time.AfterFunc(opts.Delay, func() {
				q.run(context.Background(), jobID)
			})
		} else {
			go q.run(context.Background(), jobID)
		}
	}

	return &memoryJobHandle{queue: q, jobID: jobID}, nil
}

func (q *MemoryQueue) Process(handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = handler
}

func (q *MemoryQueue) OnFailed(handler FailedHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failedHandlers = append(q.failedHandlers, handler)
}

func (q *MemoryQueue) run(ctx context.Context, jobID string) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	handler := q.handler
	if !ok || job.Status == StatusCompleted || job.Status == StatusFailed {
		q.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	job.Status = StatusActive
	job.ProcessedOn = &now
	job.AttemptsMade++
	q.mu.Unlock()

	jobCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	result, err := handler(jobCtx, job)
	if err != nil {
		q.finish(jobID, nil, err.Error())
		q.notifyFailed(ctx, job, err)
		return
	}
	q.finish(jobID, result, "")
}

func (q *MemoryQueue) finish(jobID string, result map[string]any, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return
	}

	now := time.Now().UTC()
	job.FinishedOn = &now
	if errMsg != "" {
		job.Status = StatusFailed
		job.Error = errMsg
	} else {
		job.Status = StatusCompleted
		job.Result = result
	}

	if ch, ok := q.done[jobID]; ok {
		close(ch)
		delete(q.done, jobID)
	}
}

func (q *MemoryQueue) notifyFailed(ctx context.Context, job *Job, jobErr error) {
	q.mu.Lock()
	handlers := make([]FailedHandler, len(q.failedHandlers))
	copy(handlers, q.failedHandlers)
	q.mu.Unlock()

	for _, h := range handlers {
		h(ctx, job, jobErr)
	}
}

func (q *MemoryQueue) Job(ctx context.Context, jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (q *MemoryQueue) ActiveJobs(ctx context.Context) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var jobs []*Job
	for _, job := range q.jobs {
		if job.Status == StatusActive {
			copied := *job
			jobs = append(jobs, &copied)
		}
	}
	return jobs, nil
}

func (q *MemoryQueue) Fail(ctx context.Context, jobID, reason string) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	q.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	q.finish(jobID, nil, reason)
	q.notifyFailed(ctx, job, errors.New(reason))
	return nil
}

// MarkActive forces a job into the active state with the given start
// time, without running a handler. Lets callers simulate a hung worker.
func (q *MemoryQueue) MarkActive(jobID string, processedOn time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = StatusActive
	job.ProcessedOn = &processedOn
	job.AttemptsMade++
	return nil
}

// Jobs returns a snapshot of every job record, newest state included.
func (q *MemoryQueue) Jobs() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		copied := *job
		jobs = append(jobs, &copied)
	}
	return jobs
}

type memoryJobHandle struct {
	queue *MemoryQueue
	jobID string
}

func (h *memoryJobHandle) ID() string { return h.jobID }

func (h *memoryJobHandle) WaitUntilFinished(ctx context.Context) (map[string]any, error) {
	h.queue.mu.Lock()
	job, ok := h.queue.jobs[h.jobID]
	if !ok {
		h.queue.mu.Unlock()
		return nil, ErrJobNotFound
	}

	switch job.Status {
	case StatusCompleted:
		result := job.Result
		h.queue.mu.Unlock()
		return result, nil
	case StatusFailed:
		errMsg := job.Error
		h.queue.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobFailed, errMsg)
	}

	ch := h.queue.done[h.jobID]
	h.queue.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ch:
	}

	job, err := h.queue.Job(ctx, h.jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == StatusFailed {
		return nil, fmt.Errorf("%w: %s", ErrJobFailed, job.Error)
	}
	return job.Result, nil
}
