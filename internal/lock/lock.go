// Package lock provides the leader lease that keeps a single reconciler
// sweeping when several worker instances run.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker is a renewable lease. TryLock acquires the lease or extends it if this
// holder already owns it.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// extends the lease only when the caller still holds it
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a Locker backed by a single Redis key holding the owner token.
type Redis struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
	token  string
}

// NewRedis creates a lease on key. Each instance gets its own token.
func NewRedis(client redis.Cmdable, key string, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		key:    key,
		ttl:    ttl,
		token:  uuid.NewString(),
	}
}

func (l *Redis) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew lock %s: %w", l.key, err)
	}
	return renewed == 1, nil
}

func (l *Redis) Unlock(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}

// Noop always grants the lease. Used for single-instance deployments and tests.
type Noop struct{}

func (Noop) TryLock(context.Context) (bool, error) { return true, nil }
func (Noop) Unlock(context.Context) error          { return nil }
