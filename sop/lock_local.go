package sop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// NewLocalExecutionLock is the single-process lock, sufficient when one
// process owns all instances. Multi-process deployments want the redis
// variant.
func NewLocalExecutionLock() ExecutionLock {
	return &localExecutionLock{locks: &sync.Map{}}
}

type localExecutionLock struct {
	locks *sync.Map // key -> *localLockInfo
}

type localLockInfo struct {
	mu    sync.Mutex
	owner string
	timer *time.Timer
}

func (l *localExecutionLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTime time.Duration, f func(context.Context) error) error {
	// Reentrancy: a holder carries its owner token in the context.
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		return f(ctx)
	}

	owner := uuid.NewString()
	info, _ := l.locks.LoadOrStore(key, &localLockInfo{})
	lock := info.(*localLockInfo)

	if !lock.mu.TryLock() {
		return errors.WithMessagef(ErrLockFailed, "[localExecutionLock] already locked, key: %s", key)
	}
	lock.owner = owner
	// Auto-release on expiry so a stuck holder cannot wedge the key.
	lock.timer = time.AfterFunc(maxLockTime, func() {
		l.release(key, owner)
	})

	defer l.release(key, owner)
	return f(context.WithValue(ctx, lockKey(key), owner))
}

func (l *localExecutionLock) release(key string, owner string) {
	info, ok := l.locks.Load(key)
	if !ok {
		return
	}
	lock := info.(*localLockInfo)
	if lock.owner != owner {
		slog.Warn(fmt.Sprintf("[localExecutionLock.release] owner mismatch, key: %s, expected: %s, got: %s", key, lock.owner, owner))
		return
	}
	if lock.timer != nil {
		lock.timer.Stop()
	}
	lock.mu.Unlock()
	l.locks.Delete(key)
}
