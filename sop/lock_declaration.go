package sop

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrLockFailed = errors.New("lock failed")
)

// ExecutionLock serializes work on one workflow instance. The engine
// assumes a single writer per instance; the lock is how that assumption
// is enforced when concurrent triggers can touch the same instance id.
type ExecutionLock interface {
	// NonBlockingSynchronized runs f while holding the named lock.
	// If the lock is held elsewhere it returns ErrLockFailed at once
	// instead of waiting. The lock is reentrant within the call chain:
	// a holder re-entering the same key runs f directly.
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTime time.Duration, f func(context.Context) error) error
}

type lockKey string
