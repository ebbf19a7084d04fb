// Package kv wraps the shared Redis instance backing locks, concurrency
// sets, dedup markers and the durable queue.
package kv

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/meridianhealth/jobkit/internal/config"
)

// Client wraps a Redis client. All cross-replica coordination state lives
// here; correctness depends on Redis-side atomic primitives (SET NX,
// scripted compare-and-delete), never on in-process locking.
type Client struct {
	*redis.Client
}

// Open connects to Redis and verifies the connection with a ping.
func Open(ctx context.Context, cfg *config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
		PoolSize:    cfg.PoolSize,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &Client{Client: rdb}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}
