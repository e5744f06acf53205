// Package cachex owns the Redis connection shared by the redelivery tracker and
// the outbox relay lock.
package cachex

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"retail-backbone/shared/config"
)

type Client struct {
	redis *redis.Client
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Client{redis: rdb}, nil
}

// NewOptional returns nil when Redis is not configured; callers fall back to
// process-local state.
func NewOptional(cfg config.Config) *Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	c, _ := New(cfg)
	return c
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return errors.New("redis client not initialized")
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

// Client returns the underlying client, or nil on a nil receiver.
func (c *Client) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.redis
}
