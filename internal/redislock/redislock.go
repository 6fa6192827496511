// Package redislock provides a best-effort mutual exclusion lock in Redis,
// used to keep several instances from running the same periodic job at once.
//
// The lock is advisory: holders must still be safe under overlap, because a
// lock can expire while its holder is paused.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Locker acquires TTL-bounded locks in Redis.
type Locker struct {
	client    goredis.Cmdable
	keyPrefix string
}

// Option configures Locker.
type Option func(*Locker)

// WithKeyPrefix sets the Redis key prefix (default "tiergate:lock:").
func WithKeyPrefix(prefix string) Option {
	return func(l *Locker) { l.keyPrefix = prefix }
}

// New creates a Locker over a connected client.
func New(client goredis.Cmdable, opts ...Option) *Locker {
	l := &Locker{client: client, keyPrefix: "tiergate:lock:"}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open connects to the Redis server at url (redis://...) and verifies it
// responds.
func Open(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redislock: parse url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redislock: ping: %w", err)
	}
	return client, nil
}

// unlockScript deletes the lock only if it still holds our token.
// KEYS[1] = lock key
// ARGV[1] = token
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryLock attempts to take key for ttl without waiting. When acquired is
// true the caller must call unlock once done; unlock never releases a lock
// that expired and was taken by someone else.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), acquired bool, err error) {
	if ttl <= 0 {
		return nil, false, errors.New("redislock: ttl must be positive")
	}
	fullKey := l.keyPrefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redislock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock = func() {
		// Release on a fresh context; the caller's may already be done.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, l.client, []string{fullKey}, token).Err()
	}
	return unlock, true, nil
}
