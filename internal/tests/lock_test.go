package tests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blingmoon/sop-engine/sop"
)

func TestLocalExecutionLock(t *testing.T) {
	ctx := context.Background()

	t.Run("runs the function while holding the key", func(t *testing.T) {
		lock := sop.NewLocalExecutionLock()
		ran := false
		err := lock.NonBlockingSynchronized(ctx, "k1", time.Minute, func(ctx context.Context) error {
			ran = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, ran)
	})

	t.Run("a second holder is rejected, not blocked", func(t *testing.T) {
		lock := sop.NewLocalExecutionLock()
		inside := make(chan struct{})
		release := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = lock.NonBlockingSynchronized(ctx, "k2", time.Minute, func(ctx context.Context) error {
				close(inside)
				<-release
				return nil
			})
		}()
		<-inside

		err := lock.NonBlockingSynchronized(ctx, "k2", time.Minute, func(ctx context.Context) error {
			t.Error("second holder must not run")
			return nil
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, sop.ErrLockFailed)

		close(release)
		wg.Wait()

		// Released: the key is free again.
		err = lock.NonBlockingSynchronized(ctx, "k2", time.Minute, func(ctx context.Context) error {
			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("reentrant from inside the holder", func(t *testing.T) {
		lock := sop.NewLocalExecutionLock()
		err := lock.NonBlockingSynchronized(ctx, "k3", time.Minute, func(inner context.Context) error {
			return lock.NonBlockingSynchronized(inner, "k3", time.Minute, func(context.Context) error {
				return nil
			})
		})
		assert.NoError(t, err)
	})
}

func TestRedisExecutionLock(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	ctx := context.Background()

	t.Run("holds and releases the key", func(t *testing.T) {
		lock := sop.NewRedisExecutionLock(client)
		err := lock.NonBlockingSynchronized(ctx, "sop_lock_a", time.Minute, func(ctx context.Context) error {
			require.True(t, server.Exists("sop_lock_a"))
			return nil
		})
		require.NoError(t, err)
		assert.False(t, server.Exists("sop_lock_a"))
	})

	t.Run("a second process is rejected while held", func(t *testing.T) {
		first := sop.NewRedisExecutionLock(client)
		second := sop.NewRedisExecutionLock(client)
		err := first.NonBlockingSynchronized(ctx, "sop_lock_b", time.Minute, func(ctx context.Context) error {
			innerErr := second.NonBlockingSynchronized(context.Background(), "sop_lock_b", time.Minute, func(context.Context) error {
				t.Error("second process must not run")
				return nil
			})
			assert.ErrorIs(t, innerErr, sop.ErrLockFailed)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("only the owner can release", func(t *testing.T) {
		lock := sop.NewRedisExecutionLock(client)
		require.NoError(t, client.Set(ctx, "sop_lock_c", "someone-else", time.Minute).Err())
		err := lock.NonBlockingSynchronized(ctx, "sop_lock_c", time.Minute, func(context.Context) error {
			return nil
		})
		assert.ErrorIs(t, err, sop.ErrLockFailed)
		// The foreign value survives untouched.
		got, getErr := client.Get(ctx, "sop_lock_c").Result()
		require.NoError(t, getErr)
		assert.Equal(t, "someone-else", got)
	})

	t.Run("the key expires with maxLockTime", func(t *testing.T) {
		lock := sop.NewRedisExecutionLock(client)
		err := lock.NonBlockingSynchronized(ctx, "sop_lock_d", 50*time.Millisecond, func(ctx context.Context) error {
			server.FastForward(100 * time.Millisecond)
			assert.False(t, server.Exists("sop_lock_d"))
			return nil
		})
		require.NoError(t, err)
	})
}
