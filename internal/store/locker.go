package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/BookingPipe/internal/util"
)

// Locker hands out exclusive keyed locks. The returned unlock func must be
// called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is an in-process keyed mutex whose Lock honours ctx cancellation.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

// Lock blocks until key is free or ctx is done. The returned release func is idempotent.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ll, ok := l.locks[key]
	if !ok {
		ll = &localLock{ch: make(chan struct{}, 1)}
		l.locks[key] = ll
	}
	ll.refs++
	l.mu.Unlock()

	select {
	case ll.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, ll)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-ll.ch
			l.release(key, ll)
		})
	}, nil
}

func (l *LocalLocker) release(key string, ll *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ll.refs--
	if ll.refs == 0 {
		delete(l.locks, key)
	}
}

// RedisLockPrefix namespaces lock keys in Redis.
const RedisLockPrefix = "bookingpipe:lock:"

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared across processes. Each lock expires after ttl
// so a crashed holder cannot block a slot forever.
type RedisLocker struct {
	client     *redis.Client
	ttl        time.Duration
	retryDelay time.Duration
}

// NewRedisLocker creates a RedisLocker on top of client.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, retryDelay: 25 * time.Millisecond}
}

// Lock polls SET NX until key is acquired or ctx is done. Release deletes the key only while this token still holds it.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := RedisLockPrefix + key
	token := util.GenerateRandomHex(32)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release must succeed even when the caller's ctx is already done.
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(relCtx, l.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				slog.Warn("RedisLocker.Lock: release failed", "key", key, "error", err)
			}
		})
	}, nil
}

// LockAll acquires every key in order and returns a single unlock that releases
// them in reverse. Callers sort keys so concurrent holders never deadlock.
func LockAll(ctx context.Context, l Locker, keys []string) (func(), error) {
	unlocks := make([]func(), 0, len(keys))
	releaseAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, k := range keys {
		unlock, err := l.Lock(ctx, k)
		if err != nil {
			releaseAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return releaseAll, nil
}
