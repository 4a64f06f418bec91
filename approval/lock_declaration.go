package approval

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	LockFailedError = errors.New("lock failed")
)

// ApprovalLock 用于副作用重试和补偿任务的互斥
// 审核状态流转本身不依赖锁, 只依赖条件更新
type ApprovalLock interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回 LockFailedError
	//                 2.可以重入锁
	//  @param ctx 原来的ctx
	//  @param key 锁的key
	//  @param maxLockTimeDuration 锁最大的时间
	//  @param f 具体执行函数的闭包
	//  @return error
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
}
