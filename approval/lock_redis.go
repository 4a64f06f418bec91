package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`
	redisLockKeyPrefix = "approval:lock:"
)

func NewRedisApprovalLock(redisClient redis.Cmdable) ApprovalLock {
	return &redisApprovalLock{redisClient: redisClient}
}

type redisApprovalLock struct {
	redisClient redis.Cmdable
}

func (d *redisApprovalLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx2 context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	value := uuid.NewString()
	isLock, err := d.redisClient.SetNX(ctx, redisLockKeyPrefix+key, value, maxLockTimeDuration).Result()
	if err != nil {
		return errors.WithMessagef(LockFailedError, "[redisApprovalLock.NonBlockingSynchronized] key: %s, err: %v", key, err)
	}
	if !isLock {
		return errors.WithMessagef(LockFailedError, "[redisApprovalLock.NonBlockingSynchronized] key %s has been locked", key)
	}
	defer d.releaseKey(key, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

func (d *redisApprovalLock) releaseKey(key string, value string) {
	// ctx 可能已经被 cancel, 释放锁需要新开一个 context
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := d.redisClient.Eval(ctx, delCommand, []string{redisLockKeyPrefix + key}, value).Int64()
	if err != nil {
		slog.Error("[redisApprovalLock.releaseKey] release key failed", "key", key, "err", err)
		return
	}
	if reply != 1 {
		// 锁已经过期或者被别人拿走
		slog.Warn("[redisApprovalLock.releaseKey] key not released", "key", key, "reply", reply)
	}
}
