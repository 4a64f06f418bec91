package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type lockKey string

// NewLocalApprovalLock 单进程使用, 多副本部署需要用 NewRedisApprovalLock
func NewLocalApprovalLock() ApprovalLock {
	return &localApprovalLock{
		holders: make(map[string]*localLockHolder),
	}
}

type localApprovalLock struct {
	mu      sync.Mutex
	holders map[string]*localLockHolder
}

type localLockHolder struct {
	value    string
	expireAt time.Time
}

func (l *localApprovalLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 已经持有锁，可重入，直接执行
		return f(ctx)
	}
	value := uuid.NewString()
	if !l.tryAcquire(key, value, maxLockTimeDuration) {
		return errors.WithMessagef(LockFailedError, "[localApprovalLock.NonBlockingSynchronized] key %s has been locked", key)
	}
	defer l.release(key, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

func (l *localApprovalLock) tryAcquire(key string, value string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if holder, ok := l.holders[key]; ok && now.Before(holder.expireAt) {
		return false
	}
	l.holders[key] = &localLockHolder{value: value, expireAt: now.Add(ttl)}
	return true
}

func (l *localApprovalLock) release(key string, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	holder, ok := l.holders[key]
	if !ok {
		return
	}
	if holder.value != value {
		// 超时后被别人拿走了
		slog.Warn("[localApprovalLock.release] value mismatch", "key", key)
		return
	}
	delete(l.holders, key)
}
