package mqx

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedeliveryTracker counts redeliveries of a message for transports that do not
// report a delivery count.
type RedeliveryTracker interface {
	// Incr records one more redelivery and returns the total seen so far.
	Incr(ctx context.Context, queue string, messageID string) (int, error)
	Forget(ctx context.Context, queue string, messageID string) error
}

const defaultTrackerTTL = 24 * time.Hour

// RedisTracker survives consumer restarts and is shared by replicas of a service.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisTracker(client *redis.Client, ttl time.Duration) (*RedisTracker, error) {
	if client == nil {
		return nil, errors.New("redis client not initialized")
	}
	if ttl <= 0 {
		ttl = defaultTrackerTTL
	}
	return &RedisTracker{client: client, ttl: ttl}, nil
}

func (t *RedisTracker) Incr(ctx context.Context, queue string, messageID string) (int, error) {
	key := trackerKey(queue, messageID)
	pipe := t.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (t *RedisTracker) Forget(ctx context.Context, queue string, messageID string) error {
	return t.client.Del(ctx, trackerKey(queue, messageID)).Err()
}

func trackerKey(queue string, messageID string) string {
	return "mqx:redelivery:" + queue + ":" + messageID
}

// MemoryTracker is process-local; counts reset when the consumer restarts.
type MemoryTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{counts: make(map[string]int)}
}

func (t *MemoryTracker) Incr(_ context.Context, queue string, messageID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := trackerKey(queue, messageID)
	t.counts[key]++
	return t.counts[key], nil
}

func (t *MemoryTracker) Forget(_ context.Context, queue string, messageID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, trackerKey(queue, messageID))
	return nil
}

// NewTracker prefers Redis and falls back to process memory when no client is configured.
func NewTracker(client *redis.Client) RedeliveryTracker {
	if client == nil {
		return NewMemoryTracker()
	}
	tracker, err := NewRedisTracker(client, defaultTrackerTTL)
	if err != nil {
		return NewMemoryTracker()
	}
	return tracker
}
