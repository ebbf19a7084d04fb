// Package lock provides Redis-backed distributed mutual exclusion.
// At most one live lock exists per key; TTL expiry is the failure-safety
// valve when a holder crashes without releasing.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meridianhealth/jobkit/internal/metrics"
)

// ErrLockAcquisition is returned when ExecuteWithLock exhausts its retries.
var ErrLockAcquisition = errors.New("lock acquisition failed")

// releaseScript deletes the key only when its value still matches the
// owner token, so an expired-and-reacquired lock is never released by
// the stale former owner.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// extendScript resets the TTL only when the caller still owns the key.
const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`

// client is the subset of Redis commands the lock manager needs.
type client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Lock is a held mutual-exclusion token.
type Lock struct {
	Key       string
	OwnerID   string
	ExpiresAt time.Time
}

// Manager acquires and releases distributed locks.
type Manager struct {
	rdb client
}

func NewManager(rdb client) *Manager {
	return &Manager{rdb: rdb}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire attempts to take the lock with a generated owner id. Returns
// a nil Lock (and nil error) when the key is already held — contention
// is control flow, not an error.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	return m.AcquireAs(ctx, key, ttl, uuid.New().String())
}

// AcquireAs is Acquire with a caller-supplied owner id.
func (m *Manager) AcquireAs(ctx context.Context, key string, ttl time.Duration, ownerID string) (*Lock, error) {
	ok, err := m.rdb.SetNX(ctx, lockKey(key), ownerID, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		metrics.RecordLockContention(key)
		return nil, nil
	}

	metrics.RecordLockAcquired(key)
	return &Lock{
		Key:       key,
		OwnerID:   ownerID,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

// Release deletes the lock if the caller still owns it. Returns false
// when the key expired and was reacquired by someone else.
func (m *Manager) Release(ctx context.Context, l *Lock) (bool, error) {
	res, err := m.rdb.Eval(ctx, releaseScript, []string{lockKey(l.Key)}, l.OwnerID).Result()
	if err != nil {
		return false, fmt.Errorf("releasing lock %s: %w", l.Key, err)
	}

	n, ok := res.(int64)
	return ok && n == 1, nil
}

// Extend resets the lock's TTL if still owned and updates the in-memory
// expiry on success.
func (m *Manager) Extend(ctx context.Context, l *Lock, additional time.Duration) (bool, error) {
	res, err := m.rdb.Eval(ctx, extendScript, []string{lockKey(l.Key)}, l.OwnerID, additional.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("extending lock %s: %w", l.Key, err)
	}

	n, ok := res.(int64)
	if !ok || n != 1 {
		return false, nil
	}

	l.ExpiresAt = time.Now().Add(additional)
	return true, nil
}

// ExecuteOptions configure ExecuteWithLock.
type ExecuteOptions struct {
	// TTL is the lock lifetime (default 30s).
	TTL time.Duration
	// RetryDelay is the fixed wait between acquisition attempts (default 500ms).
	RetryDelay time.Duration
	// MaxRetries is how many times to retry after the first attempt (default 10).
	MaxRetries int
}

func (o *ExecuteOptions) defaults() {
	if o.TTL == 0 {
		o.TTL = 30 * time.Second
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 10
	}
}

// ExecuteWithLock runs fn while holding the named lock, releasing it on
// every exit path. Acquisition is retried MaxRetries times at a fixed
// delay; exhaustion yields ErrLockAcquisition.
func (m *Manager) ExecuteWithLock(ctx context.Context, key string, fn func(ctx context.Context) error, opts ExecuteOptions) error {
	opts.defaults()

	var l *Lock
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.RetryDelay):
			}
		}

		var err error
		l, err = m.Acquire(ctx, key, opts.TTL)
		if err != nil {
			return err
		}
		if l != nil {
			break
		}
	}

	if l == nil {
		return fmt.Errorf("%w: %s after %d retries", ErrLockAcquisition, key, opts.MaxRetries)
	}

	defer func() {
		if _, err := m.Release(context.WithoutCancel(ctx), l); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Failed to release lock; TTL will reap it")
		}
	}()

	return fn(ctx)
}
