package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meridianhealth/jobkit/internal/config"
)

// client is the subset of Redis commands the queue issues.
type client interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	RPop(ctx context.Context, key string) *redis.StringCmd
	ZAdd(ctx context.Context, key string, members ...*redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisQueue is a durable queue over Redis: a waiting list, a delayed
// sorted set (score = ready time in unix ms), an active sorted set
// (score = processing start) and one hash per job record.
type RedisQueue struct {
	name string
	rdb  client
	cfg  *config.QueueConfig

	handler        Handler
	failedHandlers []FailedHandler
	mu             sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisQueue creates a queue over the given Redis client.
func NewRedisQueue(name string, rdb client, cfg *config.QueueConfig) *RedisQueue {
	if cfg == nil {
		def := config.Default().Queue
		cfg = &def
	}
	return &RedisQueue{
		name: name,
		rdb:  rdb,
		cfg:  cfg,
	}
}

func (q *RedisQueue) Name() string { return q.name }

func (q *RedisQueue) waitingKey() string {
	return fmt.Sprintf("%s:queue:%s:waiting", q.cfg.KeyPrefix, q.name)
}

func (q *RedisQueue) delayedKey() string {
	return fmt.Sprintf("%s:queue:%s:delayed", q.cfg.KeyPrefix, q.name)
}

func (q *RedisQueue) activeKey() string {
	return fmt.Sprintf("%s:queue:%s:active", q.cfg.KeyPrefix, q.name)
}

func (q *RedisQueue) jobKey(jobID string) string {
	return fmt.Sprintf("%s:job:%s:%s", q.cfg.KeyPrefix, q.name, jobID)
}

// Enqueue stores the job record and pushes it onto the waiting list, or
// into the delayed set when a delay is requested.
func (q *RedisQueue) Enqueue(ctx context.Context, jobName string, payload map[string]any, opts *JobOptions) (JobHandle, error) {
	if opts == nil {
		opts = &JobOptions{}
	}

	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = q.cfg.DefaultJobTimeout
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	status := StatusWaiting
	if opts.Delay > 0 {
		status = StatusDelayed
	}

	fields := map[string]any{
		"name":          jobName,
		"payload":       string(payloadJSON),
		"status":        string(status),
		"attempts_made": 0,
		"timeout_ms":    timeout.Milliseconds(),
	}

	if err := q.rdb.HSet(ctx, q.jobKey(jobID), fields).Err(); err != nil {
		return nil, fmt.Errorf("storing job record: %w", err)
	}

	if opts.Delay > 0 {
		readyAt := float64(time.Now().Add(opts.Delay).UnixMilli())
		if err := q.rdb.ZAdd(ctx, q.delayedKey(), &redis.Z{Score: readyAt, Member: jobID}).Err(); err != nil {
			return nil, fmt.Errorf("adding delayed job: %w", err)
		}
	} else {
		if err := q.rdb.LPush(ctx, q.waitingKey(), jobID).Err(); err != nil {
			return nil, fmt.Errorf("pushing job: %w", err)
		}
	}

	return &redisJobHandle{queue: q, jobID: jobID}, nil
}

func (q *RedisQueue) Process(handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = handler
}

func (q *RedisQueue) OnFailed(handler FailedHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failedHandlers = append(q.failedHandlers, handler)
}

// Start launches the worker loop. It requires a registered handler.
func (q *RedisQueue) Start(ctx context.Context) error {
	q.mu.RLock()
	handler := q.handler
	q.mu.RUnlock()

	if handler == nil {
		return ErrNoHandler
	}

	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.wg.Add(1)
	go q.workLoop(workerCtx)

	log.Info().Str("queue", q.name).Msg("Queue worker started")
	return nil
}

// Stop cancels the worker loop and waits for the in-flight job to finish.
func (q *RedisQueue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	log.Info().Str("queue", q.name).Msg("Queue worker stopped")
}

func (q *RedisQueue) workLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.promoteDelayed(ctx)
			for {
				processed, err := q.processNext(ctx)
				if err != nil {
					log.Error().Err(err).Str("queue", q.name).Msg("Failed to process job")
					break
				}
				if !processed {
					break
				}
			}
		}
	}
}

// promoteDelayed moves due delayed jobs onto the waiting list.
func (q *RedisQueue) promoteDelayed(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	jobIDs, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		log.Error().Err(err).Str("queue", q.name).Msg("Failed to read delayed jobs")
		return
	}

	for _, jobID := range jobIDs {
		if err := q.rdb.ZRem(ctx, q.delayedKey(), jobID).Err(); err != nil {
			continue
		}
		q.rdb.HSet(ctx, q.jobKey(jobID), "status", string(StatusWaiting))
		if err := q.rdb.LPush(ctx, q.waitingKey(), jobID).Err(); err != nil {
			log.Error().Err(err).Str("job_id", jobID).Msg("Failed to promote delayed job")
		}
	}
}

// processNext pops one waiting job and runs it. Returns false when the
// waiting list is empty.
func (q *RedisQueue) processNext(ctx context.Context) (bool, error) {
	jobID, err := q.rdb.RPop(ctx, q.waitingKey()).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("popping job: %w", err)
	}

	job, err := q.Job(ctx, jobID)
	if err != nil {
		// Put the id back so the job is not stranded off every list
		// while its record still says waiting.
		if pushErr := q.rdb.LPush(ctx, q.waitingKey(), jobID).Err(); pushErr != nil {
			log.Error().Err(pushErr).Str("job_id", jobID).Msg("Failed to requeue job after load error")
		}
		return true, fmt.Errorf("loading job %s: %w", jobID, err)
	}

	now := time.Now().UTC()
	job.Status = StatusActive
	job.ProcessedOn = &now
	job.AttemptsMade++

	q.rdb.HSet(ctx, q.jobKey(jobID), map[string]any{
		"status":        string(StatusActive),
		"processed_on":  now.UnixMilli(),
		"attempts_made": job.AttemptsMade,
	})
	q.rdb.ZAdd(ctx, q.activeKey(), &redis.Z{Score: float64(now.UnixMilli()), Member: jobID})

	q.runJob(ctx, job)
	return true, nil
}

func (q *RedisQueue) runJob(ctx context.Context, job *Job) {
	q.mu.RLock()
	handler := q.handler
	q.mu.RUnlock()

	jobCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	result, err := handler(jobCtx, job)
	if err != nil {
		q.markFailed(ctx, job, err.Error())
		q.notifyFailed(ctx, job, err)
		return
	}

	q.markCompleted(ctx, job, result)
}

func (q *RedisQueue) markCompleted(ctx context.Context, job *Job, result map[string]any) {
	now := time.Now().UTC()
	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = []byte("{}")
	}

	q.rdb.HSet(ctx, q.jobKey(job.ID), map[string]any{
		"status":      string(StatusCompleted),
		"finished_on": now.UnixMilli(),
		"result":      string(resultJSON),
	})
	q.rdb.ZRem(ctx, q.activeKey(), job.ID)

	if q.cfg.Retention > 0 {
		q.rdb.Expire(ctx, q.jobKey(job.ID), q.cfg.Retention)
	}
}

func (q *RedisQueue) markFailed(ctx context.Context, job *Job, reason string) {
	now := time.Now().UTC()

	q.rdb.HSet(ctx, q.jobKey(job.ID), map[string]any{
		"status":      string(StatusFailed),
		"finished_on": now.UnixMilli(),
		"error":       reason,
	})
	q.rdb.ZRem(ctx, q.activeKey(), job.ID)

	if q.cfg.Retention > 0 {
		q.rdb.Expire(ctx, q.jobKey(job.ID), q.cfg.Retention)
	}

	job.Status = StatusFailed
	job.Error = reason
}

func (q *RedisQueue) notifyFailed(ctx context.Context, job *Job, jobErr error) {
	q.mu.RLock()
	handlers := make([]FailedHandler, len(q.failedHandlers))
	copy(handlers, q.failedHandlers)
	q.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, job, jobErr)
	}
}

// Fail marks a job failed out-of-band, for jobs whose worker will never
// report (the stalled-job sweep path).
func (q *RedisQueue) Fail(ctx context.Context, jobID, reason string) error {
	job, err := q.Job(ctx, jobID)
	if err != nil {
		return err
	}

	q.markFailed(ctx, job, reason)
	q.notifyFailed(ctx, job, errors.New(reason))
	return nil
}

// Job loads a job record by id.
func (q *RedisQueue) Job(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}

	job := &Job{
		ID:     jobID,
		Name:   fields["name"],
		Queue:  q.name,
		Status: Status(fields["status"]),
		Error:  fields["error"],
	}

	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return nil, fmt.Errorf("unmarshaling payload: %w", err)
		}
	}

	if raw := fields["result"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Result); err != nil {
			return nil, fmt.Errorf("unmarshaling result: %w", err)
		}
	}

	if raw := fields["attempts_made"]; raw != "" {
		if n, convErr := strconv.Atoi(raw); convErr == nil {
			job.AttemptsMade = n
		}
	}

	if raw := fields["timeout_ms"]; raw != "" {
		if ms, convErr := strconv.ParseInt(raw, 10, 64); convErr == nil {
			job.Timeout = time.Duration(ms) * time.Millisecond
		}
	}

	if raw := fields["processed_on"]; raw != "" {
		if ms, convErr := strconv.ParseInt(raw, 10, 64); convErr == nil {
			t := time.UnixMilli(ms).UTC()
			job.ProcessedOn = &t
		}
	}

	if raw := fields["finished_on"]; raw != "" {
		if ms, convErr := strconv.ParseInt(raw, 10, 64); convErr == nil {
			t := time.UnixMilli(ms).UTC()
			job.FinishedOn = &t
		}
	}

	return job, nil
}

// ActiveJobs lists jobs currently marked active.
func (q *RedisQueue) ActiveJobs(ctx context.Context) ([]*Job, error) {
	jobIDs, err := q.rdb.ZRange(ctx, q.activeKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing active jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		job, err := q.Job(ctx, jobID)
		if errors.Is(err, ErrJobNotFound) {
			// Record expired under us; drop the dangling member.
			q.rdb.ZRem(ctx, q.activeKey(), jobID)
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

type redisJobHandle struct {
	queue *RedisQueue
	jobID string
}

func (h *redisJobHandle) ID() string { return h.jobID }

// WaitUntilFinished polls the job record until it reaches a terminal
// status or the context is done.
func (h *redisJobHandle) WaitUntilFinished(ctx context.Context) (map[string]any, error) {
	ticker := time.NewTicker(h.queue.cfg.WaitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			job, err := h.queue.Job(ctx, h.jobID)
			if err != nil {
				return nil, err
			}

			switch job.Status {
			case StatusCompleted:
				return job.Result, nil
			case StatusFailed:
				return nil, fmt.Errorf("%w: %s", ErrJobFailed, job.Error)
			}
		}
	}
}
