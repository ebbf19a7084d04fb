package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient is an in-memory stand-in for the Redis commands the lock
// manager uses, honoring the same owner-token semantics.
type fakeClient struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeClient() *fakeClient {
	return &fakeClient{values: make(map[string]string)}
}

func (f *fakeClient) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, held := f.values[key]; held {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeClient) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := keys[0]
	owner := fmt.Sprint(args[0])

	if f.values[key] != owner {
		return redis.NewCmdResult(int64(0), nil)
	}

	switch script {
	case releaseScript:
		delete(f.values, key)
	case extendScript:
		// TTL reset has no observable effect in the fake.
	}
	return redis.NewCmdResult(int64(1), nil)
}

// expire simulates TTL lapse.
func (f *fakeClient) expire(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
}

func TestManager_AcquireIsIdempotentlyExclusive(t *testing.T) {
	m := NewManager(newFakeClient())
	ctx := context.Background()

	first, err := m.Acquire(ctx, "jobs:sync", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "jobs:sync", first.Key)
	assert.NotEmpty(t, first.OwnerID)

	// Second acquire without release: contention, not an error.
	second, err := m.Acquire(ctx, "jobs:sync", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestManager_ReleaseIsOwnerScoped(t *testing.T) {
	rdb := newFakeClient()
	m := NewManager(rdb)
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "jobs:sync", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, stale)

	// TTL lapses and another owner takes the lock.
	rdb.expire(lockKey("jobs:sync"))
	fresh, err := m.Acquire(ctx, "jobs:sync", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, fresh)

	// The stale owner's release must not delete the new owner's lock.
	ok, err := m.Release(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok)

	held, err := m.Acquire(ctx, "jobs:sync", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, held, "fresh owner's lock should still be held")

	ok, err = m.Release(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_ExtendOnlyWhenOwned(t *testing.T) {
	rdb := newFakeClient()
	m := NewManager(rdb)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "jobs:sync", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, l)

	before := l.ExpiresAt
	ok, err := m.Extend(ctx, l, 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, l.ExpiresAt.After(before))

	rdb.expire(lockKey("jobs:sync"))
	ok, err = m.Extend(ctx, l, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_ExecuteWithLockReleasesOnError(t *testing.T) {
	rdb := newFakeClient()
	m := NewManager(rdb)
	ctx := context.Background()

	wantErr := errors.New("boom")
	err := m.ExecuteWithLock(ctx, "jobs:sync", func(ctx context.Context) error {
		return wantErr
	}, ExecuteOptions{})
	assert.ErrorIs(t, err, wantErr)

	// Released on the error path: reacquirable immediately.
	l, err := m.Acquire(ctx, "jobs:sync", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestManager_ExecuteWithLockRetriesExhausted(t *testing.T) {
	rdb := newFakeClient()
	m := NewManager(rdb)
	ctx := context.Background()

	holder, err := m.Acquire(ctx, "jobs:sync", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, holder)

	ran := false
	err = m.ExecuteWithLock(ctx, "jobs:sync", func(ctx context.Context) error {
		ran = true
		return nil
	}, ExecuteOptions{RetryDelay: time.Millisecond, MaxRetries: 2})

	assert.ErrorIs(t, err, ErrLockAcquisition)
	assert.False(t, ran)
}
