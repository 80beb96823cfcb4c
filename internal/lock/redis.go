package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes a lock key only if its value matches the caller's
// unique token, so one holder can never release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua resets the TTL of a lock key the caller still owns.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// Redis is a Locker shared by every engine instance pointing at the same
// Redis. It uses SET NX with a TTL and a token-checked Lua unlock, polling
// until the lock frees up or the context ends. While a call runs, the TTL is
// extended every ttl/3 so a slow call keeps its lock; only a crashed holder
// lets it lapse.
type Redis struct {
	rdb      redis.UniversalClient
	ttl      time.Duration
	poll     time.Duration
	unlockSc *redis.Script
	extendSc *redis.Script
}

// NewRedis creates a Redis-backed locker. ttl bounds how long a crashed
// holder can keep the lock.
func NewRedis(rdb redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{
		rdb:      rdb,
		ttl:      ttl,
		poll:     25 * time.Millisecond,
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
	}
}

func redisLockKey(key string) string {
	return "lock:" + key
}

func (r *Redis) Acquire(ctx context.Context, key string) (context.Context, func(), error) {
	if Held(ctx, key) {
		return ctx, func() {}, ErrReentrant
	}

	token := uuid.New().String()
	lk := redisLockKey(key)

	for {
		ok, err := r.rdb.SetNX(ctx, lk, token, r.ttl).Result()
		if err != nil {
			return ctx, func() {}, fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx, func() {}, fmt.Errorf("%w: %s: %w", ErrLockHeld, key, ctx.Err())
		case <-time.After(r.poll):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(lk, token, stop, done)

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-done

			// Use a background context so unlock succeeds even if the caller's
			// context is already cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_ = r.unlockSc.Run(unlockCtx, r.rdb, []string{lk}, token).Err()
		})
	}

	return markHeld(ctx, key), release, nil
}

// keepAlive extends the lock TTL until stop is closed or the lock is lost.
func (r *Redis) keepAlive(lk, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			n, err := r.extendSc.Run(ctx, r.rdb, []string{lk}, token, r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				slog.Warn("lock: extend failed", "key", lk, "err", err)
				continue
			}
			if n == 0 {
				slog.Error("lock: lost before release", "key", lk)
				return
			}
		}
	}
}

// Compile-time interface check.
var _ Locker = (*Redis)(nil)
