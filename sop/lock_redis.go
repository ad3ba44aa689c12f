package sop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Compare-and-delete so only the owner releases the key.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`

// NewRedisExecutionLock distributes the per-instance lock across
// processes sharing one redis.
func NewRedisExecutionLock(client redis.Cmdable) ExecutionLock {
	return &redisExecutionLock{client: client}
}

type redisExecutionLock struct {
	client redis.Cmdable
}

func (l *redisExecutionLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTime time.Duration, f func(context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// Reentrant call from the current holder.
		return f(ctx)
	}

	owner := uuid.NewString()
	locked, err := l.client.SetNX(ctx, key, owner, maxLockTime).Result()
	if err != nil {
		return errors.WithMessagef(ErrLockFailed, "[redisExecutionLock] SetNX failed, key: %s, err: %v", key, err)
	}
	if !locked {
		return errors.WithMessagef(ErrLockFailed, "[redisExecutionLock] already locked, key: %s", key)
	}

	defer l.release(key, owner)
	return f(context.WithValue(ctx, lockKey(key), owner))
}

func (l *redisExecutionLock) release(key string, owner string) {
	// The caller's context may already be cancelled; the release must
	// still go out.
	reply, err := l.client.Eval(context.Background(), releaseScript, []string{key}, owner).Result()
	if err != nil {
		slog.Warn(fmt.Sprintf("[redisExecutionLock.release] eval failed, key: %s, err: %v", key, err))
		return
	}
	if n, ok := reply.(int64); !ok || n != 1 {
		slog.Warn(fmt.Sprintf("[redisExecutionLock.release] key not released, key: %s, reply: %v", key, reply))
	}
}
