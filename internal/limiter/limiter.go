// Package limiter provides bounded admission per resource class over a
// Redis sorted set. Members are slot ids scored by acquisition time;
// stale slots are pruned by score so a crashed holder frees capacity
// after the slot TTL.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrSlotUnavailable is returned by WaitForSlot when no slot frees up
// within the timeout.
var ErrSlotUnavailable = errors.New("no concurrency slot available")

// client is the subset of Redis commands the limiter needs.
type client interface {
	ZAdd(ctx context.Context, key string, members ...*redis.Z) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	ZRemRangeByScore(ctx context.Context, key string, min, max string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Options tune the limiter's polling and self-healing behavior.
type Options struct {
	// SlotTTL is how long an unreleased slot counts against capacity
	// (default 5m).
	SlotTTL time.Duration
	// PollInterval is the wait between admission checks (default 100ms).
	PollInterval time.Duration
}

// Limiter caps how many jobs of one resource class run simultaneously.
// The count-check and insert are two separate calls; transient
// over-admission by one slot under race is accepted, bounded by the
// slot TTL.
type Limiter struct {
	rdb           client
	resource      string
	maxConcurrent int
	slotTTL       time.Duration
	pollInterval  time.Duration
}

func New(rdb client, resource string, maxConcurrent int, opts *Options) *Limiter {
	if opts == nil {
		opts = &Options{}
	}
	if opts.SlotTTL == 0 {
		opts.SlotTTL = 5 * time.Minute
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &Limiter{
		rdb:           rdb,
		resource:      resource,
		maxConcurrent: maxConcurrent,
		slotTTL:       opts.SlotTTL,
		pollInterval:  opts.PollInterval,
	}
}

func (l *Limiter) key() string {
	return "concurrency:" + l.resource
}

// prune drops slots older than the slot TTL.
func (l *Limiter) prune(ctx context.Context) {
	cutoff := time.Now().Add(-l.slotTTL).UnixMilli()
	l.rdb.ZRemRangeByScore(ctx, l.key(), "-inf", strconv.FormatInt(cutoff, 10))
}

// Acquire polls until a slot is free, then inserts a unique slot id.
// Returns "" when timeout elapses first; callers must check for it.
func (l *Limiter) Acquire(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)

	for {
		l.prune(ctx)

		count, err := l.rdb.ZCard(ctx, l.key()).Result()
		if err != nil {
			return "", fmt.Errorf("counting slots for %s: %w", l.resource, err)
		}

		if count < int64(l.maxConcurrent) {
			slotID := uuid.New().String()
			now := float64(time.Now().UnixMilli())
			if err := l.rdb.ZAdd(ctx, l.key(), &redis.Z{Score: now, Member: slotID}).Err(); err != nil {
				return "", fmt.Errorf("inserting slot for %s: %w", l.resource, err)
			}
			l.rdb.Expire(ctx, l.key(), l.slotTTL)
			return slotID, nil
		}

		if time.Now().After(deadline) {
			return "", nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// Release removes the slot unconditionally.
func (l *Limiter) Release(ctx context.Context, slotID string) error {
	if err := l.rdb.ZRem(ctx, l.key(), slotID).Err(); err != nil {
		return fmt.Errorf("releasing slot for %s: %w", l.resource, err)
	}
	return nil
}

// CurrentCount returns the number of live slots.
func (l *Limiter) CurrentCount(ctx context.Context) (int, error) {
	l.prune(ctx)
	count, err := l.rdb.ZCard(ctx, l.key()).Result()
	if err != nil {
		return 0, fmt.Errorf("counting slots for %s: %w", l.resource, err)
	}
	return int(count), nil
}

// RemainingSlots returns how many more jobs may be admitted.
func (l *Limiter) RemainingSlots(ctx context.Context) (int, error) {
	count, err := l.CurrentCount(ctx)
	if err != nil {
		return 0, err
	}
	remaining := l.maxConcurrent - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// WaitForSlot acquires a slot or fails with ErrSlotUnavailable.
func (l *Limiter) WaitForSlot(ctx context.Context, timeout time.Duration) (string, error) {
	slotID, err := l.Acquire(ctx, timeout)
	if err != nil {
		return "", err
	}
	if slotID == "" {
		return "", fmt.Errorf("%w: resource %s after %s", ErrSlotUnavailable, l.resource, timeout)
	}
	return slotID, nil
}
