package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"signoff/internal/repo"
)

// Locker elects the single replica that runs escalation scans.
type Locker interface {
	// Acquire takes or renews the lock for holder for ttl.
	Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, holder string) error
}

var (
	_ Locker = StoreLocker{}
	_ Locker = RedisLocker{}
	_ Locker = NoLocker{}
)

// StoreLocker keeps the lock as a lease row in the shared store.
type StoreLocker struct {
	Repo repo.Repo
	Name string
	Now  func() time.Time
}

func (l StoreLocker) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l StoreLocker) Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := l.now()
	return l.Repo.AcquireLease(ctx, l.Name, holder, now.Format(time.RFC3339), now.Add(ttl).Format(time.RFC3339))
}

func (l StoreLocker) Release(ctx context.Context, holder string) error {
	return l.Repo.ReleaseLease(ctx, l.Name, holder)
}

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

// renewScript extends the key only while it still holds the caller's token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker keeps the lock as a Redis key with a TTL.
type RedisLocker struct {
	Client *redis.Client
	Key    string
}

func NewRedisLocker(addr, key string) RedisLocker {
	return RedisLocker{
		Client: redis.NewClient(&redis.Options{
			Addr:        addr,
			DialTimeout: 2 * time.Second,
			ReadTimeout: 2 * time.Second,
			MaxRetries:  2,
		}),
		Key: key,
	}
}

func (l RedisLocker) Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	ok, err := l.Client.SetNX(ctx, l.Key, holder, ttl).Result()
	if err != nil || ok {
		return ok, err
	}
	n, err := renewScript.Run(ctx, l.Client, []string{l.Key}, holder, ttl.Milliseconds()).Int()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return n == 1, err
}

func (l RedisLocker) Release(ctx context.Context, holder string) error {
	err := releaseScript.Run(ctx, l.Client, []string{l.Key}, holder).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// NoLocker always grants the lock. Use it when scans are serialized externally.
type NoLocker struct{}

func (NoLocker) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (NoLocker) Release(context.Context, string) error                       { return nil }
