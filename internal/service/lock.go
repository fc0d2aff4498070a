package service

import (
    "context"
    "errors"
    "fmt"
    "time"

    "github.com/google/uuid"
    "github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a lock could not be taken within the
// locker's wait budget.
var ErrLockTimeout = errors.New("lock wait timed out")

// Locker serializes work on a key across processes.  The returned release
// function must be called exactly once.
type Locker interface {
    Acquire(ctx context.Context, key string) (release func(), err error)
}

// NoopLocker never blocks.  It is used when Redis is unavailable.
type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context, string) (func(), error) { return func() {}, nil }

// releaseScript deletes the key only when it still holds our token so an
// expired lock re-taken by someone else is left alone.
var releaseScript = redis.NewScript(`
    if redis.call('GET', KEYS[1]) == ARGV[1] then
        return redis.call('DEL', KEYS[1])
    end
    return 0
`)

// RedisLocker is a single-instance Redis lock (SET NX PX).  The TTL bounds
// how long a crashed holder can block others.
type RedisLocker struct {
    rdb  *redis.Client
    ttl  time.Duration
    wait time.Duration
    poll time.Duration
}

// NewLocker returns a RedisLocker, or a NoopLocker when rdb is nil.
func NewLocker(rdb *redis.Client, ttl, wait time.Duration) Locker {
    if rdb == nil {
        return NoopLocker{}
    }
    if ttl <= 0 {
        ttl = 10 * time.Second
    }
    if wait <= 0 {
        wait = ttl
    }
    return &RedisLocker{rdb: rdb, ttl: ttl, wait: wait, poll: 50 * time.Millisecond}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
    token := uuid.NewString()
    deadline := time.Now().Add(l.wait)
    for {
        ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
        if err != nil {
            return nil, fmt.Errorf("lock %s: %w", key, err)
        }
        if ok {
            return func() {
                // Release with a fresh context; the caller's may be done.
                rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
                defer cancel()
                _ = releaseScript.Run(rctx, l.rdb, []string{key}, token).Err()
            }, nil
        }
        if time.Now().After(deadline) {
            return nil, ErrLockTimeout
        }
        if err := sleepCtx(ctx, l.poll); err != nil {
            return nil, err
        }
    }
}

// purchaseTotalLockKey names the lock guarding a contact's aggregate.
func purchaseTotalLockKey(tenantID, contactID uint64) string {
    return fmt.Sprintf("lock:purchase_total:%d:%d", tenantID, contactID)
}
