package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

const (
	reconcileLockKey          = "approval_side_effect_reconcile"
	defaultReconcileBatchSize = 100
	defaultReconcileMaxTry    = 5
	defaultReconcileGrace     = time.Minute
)

type ReconcileParams struct {
	BatchSize   int           `json:"batch_size" validate:"gte=0,lte=500"` // 0 使用默认值 100
	MaxAttempts int64         `json:"max_attempts" validate:"gte=0"`       // 超过次数的不再自动重试, 0 使用默认值 5
	Grace       time.Duration `json:"grace"`                               // side_effect_status=pending 超过多久才认为卡住了, <0 不等待
}

type ReconcileResult struct {
	Scanned int `json:"scanned"`
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"` // 其他副本正在处理
}

func (p *ReconcileParams) withDefault() *ReconcileParams {
	ret := ReconcileParams{BatchSize: defaultReconcileBatchSize, MaxAttempts: defaultReconcileMaxTry, Grace: defaultReconcileGrace}
	if p == nil {
		return &ret
	}
	if p.BatchSize > 0 {
		ret.BatchSize = p.BatchSize
	}
	if p.MaxAttempts > 0 {
		ret.MaxAttempts = p.MaxAttempts
	}
	if p.Grace != 0 {
		ret.Grace = p.Grace
	}
	return &ret
}

// ReconcileSideEffects 扫描所有租户下副作用没有成功的审核流程, 逐条重试
// 1. side_effect_status=pending 且超过 Grace 没有更新, 说明审核之后进程挂了
// 2. side_effect_status=failed 且重试次数小于 MaxAttempts
func (s *ApprovalServiceImpl) ReconcileSideEffects(ctx context.Context, params *ReconcileParams) (*ReconcileResult, error) {
	if params != nil {
		if err := validatorUtil.Struct(params); err != nil {
			return nil, errors.Wrapf(ErrApprovalParamInvalid, "ReconcileSideEffects failed, params: %+v, err: %v", params, err)
		}
	}
	params = params.withDefault()
	result := &ReconcileResult{}
	err := s.lock.NonBlockingSynchronized(ctx, reconcileLockKey, 10*time.Minute, func(ctx context.Context) error {
		query := &QueryApprovalWorkflowParams{
			StatusIn:                   []string{ApprovalStatusApproved, ApprovalStatusRejected},
			SideEffectStatusIn:         []string{SideEffectStatusPending, SideEffectStatusFailed},
			SideEffectAttemptsLessThan: &params.MaxAttempts,
			OrderBy:                    OrderByUpdatedAtAsc,
			Page:                       &Pager{Page: 1, Size: int64(params.BatchSize)},
		}
		if params.Grace > 0 {
			query.UpdatedAtLessThan = Int64(s.now().Add(-params.Grace).UnixMilli())
		}
		pos, err := s.queryWorkflow(ctx, query)
		if err != nil {
			return err
		}
		for _, po := range pos {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			result.Scanned++
			err := s.reconcileOne(ctx, po.TenantID, po.ID)
			switch {
			case err == nil:
				result.Applied++
			case errors.Is(err, LockFailedError):
				result.Skipped++
			default:
				result.Failed++
				if IsCriticalError(err) {
					slog.ErrorContext(ctx, "reconcile side effect failed", "workflow_id", po.ID, "tenant_id", po.TenantID, "err", err)
				} else {
					slog.WarnContext(ctx, "reconcile side effect failed", "workflow_id", po.ID, "tenant_id", po.TenantID, "err", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return result, errors.WithMessage(err, "ReconcileSideEffects failed")
	}
	return result, nil
}

// reconcileOne 拿到锁之后重新读一次, 可能已经被人工重试成功了
// 实体类型没有注册时 dispatcher 会 panic, 这里记录审核流程 id 之后继续 panic
func (s *ApprovalServiceImpl) reconcileOne(ctx context.Context, tenantID, workflowID int64) error {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "reconcile side effect panic",
				"workflow_id", workflowID, "tenant_id", tenantID, "panic", r)
			panic(r)
		}
	}()
	return s.lock.NonBlockingSynchronized(ctx, sideEffectLockKey(workflowID), sideEffectLockTTL, func(ctx context.Context) error {
		po, err := s.loadWorkflow(ctx, tenantID, workflowID)
		if err != nil {
			return err
		}
		if !IsTerminalApprovalStatus(po.Status) || po.SideEffectStatus == SideEffectStatusApplied {
			return nil
		}
		err = s.applySideEffect(ctx, po)
		s.metrics.incSideEffectRetry(po.EntityType, err)
		return err
	})
}

// StartReconciler 定时执行补偿任务, 返回的函数用于停止并等待退出
func StartReconciler(ctx context.Context, service ApprovalService, interval time.Duration, params *ReconcileParams) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result, err := service.ReconcileSideEffects(ctx, params)
				if err != nil {
					if errors.Is(err, LockFailedError) {
						// 其他副本在跑
						continue
					}
					slog.ErrorContext(ctx, "reconciler run failed", "err", err)
					continue
				}
				if result.Scanned > 0 {
					slog.InfoContext(ctx, "reconciler run finished",
						"scanned", result.Scanned, "applied", result.Applied, "failed", result.Failed, "skipped", result.Skipped)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
