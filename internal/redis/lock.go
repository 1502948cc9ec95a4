package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockUnavailable means the lock backend could not be reached at all.
	ErrLockUnavailable = errors.New("lock backend unavailable")
)

// Locker guards a critical section per key. It only reduces contention;
// correctness still rests on the store's constraints.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type redisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisLocker creates a locker that holds one Redis key per lock for at
// most ttl.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) Locker {
	return &redisLocker{
		client: client,
		ttl:    ttl,
		prefix: "lock:",
	}
}

// SlotLockKey names the lock for one practitioner slot.
func SlotLockKey(practitionerID uuid.UUID, date string, startMinute int) string {
	return fmt.Sprintf("slot:%s:%s:%d", practitionerID, date, startMinute)
}

func (l *redisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	key = l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock: %w: %w", ErrLockUnavailable, err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		// release on a fresh context so a cancelled request still unlocks
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = l.release(releaseCtx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Once records that key was handled, for ttl. It returns true only for the
// first caller.
type Once interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type redisOnce struct {
	client redis.UniversalClient
}

func NewRedisOnce(client redis.UniversalClient) Once {
	return &redisOnce{client: client}
}

func (o *redisOnce) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := o.client.SetNX(ctx, "once:"+key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark once: %w", err)
	}
	return ok, nil
}
