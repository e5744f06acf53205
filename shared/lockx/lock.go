// Package lockx holds short-lived Redis locks that name their owner, so an
// operator can see which relay replica is scanning.
package lockx

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "retail:lock:"

// Only the holder's token may delete the key.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

var ErrNoClient = errors.New("redis client not initialized")

// Lock is a held lock. Token is "<owner>/<nonce>"; the nonce keeps two
// acquisitions by the same owner apart.
type Lock struct {
	Key   string
	Owner string
	Token string
	TTL   time.Duration
}

func Key(name string) string {
	return keyPrefix + name
}

func newToken(owner string) string {
	return owner + "/" + uuid.NewString()
}

// OwnerOf extracts the owner from a stored token.
func OwnerOf(token string) string {
	if i := strings.LastIndex(token, "/"); i >= 0 {
		return token[:i]
	}
	return token
}

// Acquire takes name for owner. It reports false, without error, when the
// lock is held elsewhere.
func Acquire(ctx context.Context, client *redis.Client, name string, owner string, ttl time.Duration) (*Lock, bool, error) {
	if client == nil {
		return nil, false, ErrNoClient
	}
	if ttl <= 0 {
		return nil, false, errors.New("lock ttl must be > 0")
	}
	if strings.TrimSpace(owner) == "" {
		return nil, false, errors.New("lock owner is required")
	}
	l := &Lock{Key: Key(name), Owner: owner, Token: newToken(owner), TTL: ttl}
	ok, err := client.SetNX(ctx, l.Key, l.Token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return l, true, nil
}

func (l *Lock) Release(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return ErrNoClient
	}
	return client.Eval(ctx, releaseScript, []string{l.Key}, l.Token).Err()
}

// Holder returns the owner currently holding name, or "" when it is free.
func Holder(ctx context.Context, client *redis.Client, name string) (string, error) {
	if client == nil {
		return "", ErrNoClient
	}
	token, err := client.Get(ctx, Key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return OwnerOf(token), nil
}

// Do runs fn while owner holds name. It reports false without running fn when
// another owner has the lock. A nil client runs fn unguarded.
func Do(ctx context.Context, client *redis.Client, name string, owner string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	if client == nil {
		return true, fn(ctx)
	}
	lock, ok, err := Acquire(ctx, client, name, owner, ttl)
	if err != nil || !ok {
		return false, err
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx), client) }()
	return true, fn(ctx)
}
