package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a rollout.Locker shared by every process using the same Redis.
// Locks expire after TTL so a crashed holder cannot block a feature forever.
type Locker struct {
	db     redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
	prefix string
}

// LockerOption configures a Locker.
type LockerOption func(*Locker)

// WithLockTTL sets how long an unreleased lock survives. Non-positive values are ignored.
func WithLockTTL(ttl time.Duration) LockerOption {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryInterval sets the pause between acquisition attempts.
func WithRetryInterval(d time.Duration) LockerOption {
	return func(l *Locker) {
		if d > 0 {
			l.retry = d
		}
	}
}

// WithKeyPrefix sets the prefix for lock keys. Default "lock:".
func WithKeyPrefix(prefix string) LockerOption {
	return func(l *Locker) {
		l.prefix = prefix
	}
}

// NewLocker creates a Redis-backed locker.
func NewLocker(client redis.UniversalClient, opts ...LockerOption) *Locker {
	l := &Locker{
		db:     client,
		ttl:    10 * time.Second,
		retry:  50 * time.Millisecond,
		prefix: "lock:",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock blocks until key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.db.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(ErrLockTimeout, ctx.Err())
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Released with a fresh context so a cancelled caller still frees the key.
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl)
			defer cancel()
			_ = releaseScript.Run(ctx, l.db, []string{lockKey}, token).Err()
		})
	}, nil
}
