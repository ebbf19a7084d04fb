// Package dedup suppresses duplicate job submissions within a time
// window using content-hash markers in Redis.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/meridianhealth/jobkit/internal/metrics"
	"github.com/meridianhealth/jobkit/internal/queue"
)

// client is the subset of Redis commands the deduplicator needs.
type client interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Deduplicator tracks recently submitted payloads per queue.
type Deduplicator struct {
	rdb client
}

func New(rdb client) *Deduplicator {
	return &Deduplicator{rdb: rdb}
}

// PayloadHash computes a stable content hash of the payload. Map keys
// are sorted during JSON encoding, so structurally identical payloads
// hash the same regardless of insertion order.
func PayloadHash(payload map[string]any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func markerKey(queueName, hash string) string {
	return fmt.Sprintf("dedup:%s:%s", queueName, hash)
}

// IsDuplicate reports whether a structurally identical payload was
// marked processed within the window.
func (d *Deduplicator) IsDuplicate(ctx context.Context, queueName string, payload map[string]any) (bool, error) {
	hash, err := PayloadHash(payload)
	if err != nil {
		return false, err
	}

	n, err := d.rdb.Exists(ctx, markerKey(queueName, hash)).Result()
	if err != nil {
		return false, fmt.Errorf("checking dedup marker: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records the payload's marker with TTL = window.
func (d *Deduplicator) MarkProcessed(ctx context.Context, queueName string, payload map[string]any, window time.Duration) error {
	hash, err := PayloadHash(payload)
	if err != nil {
		return err
	}

	if err := d.rdb.Set(ctx, markerKey(queueName, hash), 1, window).Err(); err != nil {
		return fmt.Errorf("setting dedup marker: %w", err)
	}
	return nil
}

// EnqueueWithDeduplication enqueues unless a structurally identical
// payload was seen within the window. Returns a nil handle when the
// submission was suppressed.
func (d *Deduplicator) EnqueueWithDeduplication(ctx context.Context, q queue.Queue, jobName string, payload map[string]any, opts *queue.JobOptions, window time.Duration) (queue.JobHandle, error) {
	dup, err := d.IsDuplicate(ctx, q.Name(), payload)
	if err != nil {
		return nil, err
	}
	if dup {
		metrics.RecordDedupSuppressed(q.Name())
		return nil, nil
	}

	handle, err := q.Enqueue(ctx, jobName, payload, opts)
	if err != nil {
		return nil, err
	}

	if err := d.MarkProcessed(ctx, q.Name(), payload, window); err != nil {
		return handle, err
	}
	return handle, nil
}
