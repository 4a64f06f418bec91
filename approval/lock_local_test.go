package approval

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalApprovalLock(t *testing.T) {
	ctx := context.Background()

	t.Run("互斥和可重入", func(t *testing.T) {
		lock := NewLocalApprovalLock()
		executed := 0
		err := lock.NonBlockingSynchronized(ctx, "k1", time.Minute, func(ctx context.Context) error {
			executed++
			// 持有锁的 ctx 可以重入
			require.NoError(t, lock.NonBlockingSynchronized(ctx, "k1", time.Minute, func(context.Context) error {
				executed++
				return nil
			}))
			// 其他调用方拿不到
			err := lock.NonBlockingSynchronized(context.Background(), "k1", time.Minute, func(context.Context) error {
				executed++
				return nil
			})
			assert.ErrorIs(t, err, LockFailedError)
			// 不同的 key 互不影响
			return lock.NonBlockingSynchronized(context.Background(), "k2", time.Minute, func(context.Context) error {
				executed++
				return nil
			})
		})
		require.NoError(t, err)
		assert.Equal(t, 3, executed)

		// 释放之后可以再次获取
		require.NoError(t, lock.NonBlockingSynchronized(ctx, "k1", time.Minute, func(context.Context) error { return nil }))
	})

	t.Run("返回函数的错误", func(t *testing.T) {
		lock := NewLocalApprovalLock()
		bizErr := errors.New("biz failed")
		err := lock.NonBlockingSynchronized(ctx, "k1", time.Minute, func(context.Context) error { return bizErr })
		assert.ErrorIs(t, err, bizErr)
		require.NoError(t, lock.NonBlockingSynchronized(ctx, "k1", time.Minute, func(context.Context) error { return nil }))
	})

	t.Run("超时之后可以被别人拿走", func(t *testing.T) {
		lock := NewLocalApprovalLock()
		err := lock.NonBlockingSynchronized(ctx, "k1", time.Millisecond, func(context.Context) error {
			time.Sleep(10 * time.Millisecond)
			return lock.NonBlockingSynchronized(context.Background(), "k1", time.Minute, func(context.Context) error { return nil })
		})
		require.NoError(t, err)
	})
}
