// Package lock serializes cart pipelines across processes sharing one
// storefront account (several terminals, a script next to the CLI).
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL   = 10 * time.Second
	defaultRetry = 50 * time.Millisecond
)

var releaseScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`)

// ErrNotAcquired wraps every failure to take the lock. Errors returned by the
// callback are passed through unwrapped.
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker is a Redis SET NX lock keyed per cart owner.
type Locker struct {
	R            *redis.Client
	Namespace    string
	TTL          time.Duration
	RetryBackoff time.Duration
}

// CartKey names the lock guarding the cart of owner.
func (l Locker) CartKey(owner string) string {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		owner = "anonymous"
	}
	ns := strings.TrimSpace(l.Namespace)
	if ns == "" {
		return "lock:cart:" + owner
	}
	return ns + ":lock:cart:" + owner
}

// WithLock runs fn while holding key. The lock is released when fn returns,
// whatever its result, and expires after TTL if the holder dies. It waits until
// ctx is done to acquire it.
func (l Locker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if l.R == nil {
		return fmt.Errorf("%w: redis client not configured", ErrNotAcquired)
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	ttl := l.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = defaultRetry
	}
	token := uuid.NewString()

	for {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNotAcquired, err)
		}
		if ok {
			defer l.release(key, token)
			return fn(ctx)
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrNotAcquired, ctx.Err())
		case <-timer.C:
		}
	}
}

func (l Locker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.R, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			_ = l.R.Del(ctx, key).Err()
		}
	}
}
