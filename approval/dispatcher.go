package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// SideEffectReq 审核结论对应的实体变更请求
type SideEffectReq struct {
	WorkflowID int64
	TenantID   int64
	EntityType EntityType
	EntityID   string
	Outcome    ApprovalStatus
	// ReviewNotes 审核人的备注, 审核人没有填写时为空, 不会带上提交时的备注
	ReviewNotes string
}

// SideEffect 实体类型对应的审核副作用, 需要外部实现
type SideEffect interface {
	/**
	 * @description: 把审核结论应用到实体上
	 *               同一个 (EntityID, Outcome) 重复调用结果必须一样, 失败后会被重试
	 * @param ctx context.Context
	 * @param req *SideEffectReq
	 * @return error nil 表示实体已经是审核结论对应的状态
	 */
	Apply(ctx context.Context, req *SideEffectReq) error
}

type SideEffectFunc func(ctx context.Context, req *SideEffectReq) error

func (f SideEffectFunc) Apply(ctx context.Context, req *SideEffectReq) error {
	return f(ctx, req)
}

// NopSideEffect 预留扩展点, 目前 workout 审核不需要改实体
type NopSideEffect struct{}

func (NopSideEffect) Apply(ctx context.Context, req *SideEffectReq) error {
	return nil
}

// OutcomeSideEffect 按审核结果拆开的副作用, 没有设置的结果什么都不做
type OutcomeSideEffect struct {
	onApproved SideEffectFunc
	onRejected SideEffectFunc
}

func NewOutcomeSideEffect(onApproved, onRejected SideEffectFunc) *OutcomeSideEffect {
	return &OutcomeSideEffect{onApproved: onApproved, onRejected: onRejected}
}

func (s *OutcomeSideEffect) Apply(ctx context.Context, req *SideEffectReq) error {
	switch req.Outcome {
	case ApprovalStatusApproved:
		if s.onApproved != nil {
			return s.onApproved(ctx, req)
		}
	case ApprovalStatusRejected:
		if s.onRejected != nil {
			return s.onRejected(ctx, req)
		}
	default:
		return errors.Wrapf(ErrApprovalParamInvalid, "outcome %s is not terminal", req.Outcome)
	}
	return nil
}

// Dispatcher 实体类型 -> 副作用 的注册表
// 注册过的实体类型就是提交时认可的实体类型
type Dispatcher struct {
	sideEffects sync.Map // EntityType -> SideEffect
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Register 注册实体类型的副作用, 重复注册返回错误
func (d *Dispatcher) Register(entityType EntityType, sideEffect SideEffect) error {
	if entityType == "" {
		return errors.Wrap(ErrApprovalParamInvalid, "entityType is empty")
	}
	if sideEffect == nil {
		return errors.Wrapf(ErrApprovalParamInvalid, "sideEffect is nil, entityType: %s", entityType)
	}
	if _, loaded := d.sideEffects.LoadOrStore(entityType, sideEffect); loaded {
		return errors.Wrapf(ErrSideEffectAlreadyRegister, "entityType: %s", entityType)
	}
	return nil
}

func (d *Dispatcher) MustRegister(entityType EntityType, sideEffect SideEffect) {
	if err := d.Register(entityType, sideEffect); err != nil {
		panic(err)
	}
}

func (d *Dispatcher) IsRegistered(entityType EntityType) bool {
	_, ok := d.sideEffects.Load(entityType)
	return ok
}

// EntityTypes 已注册的实体类型, 排好序
func (d *Dispatcher) EntityTypes() []EntityType {
	ret := make([]EntityType, 0)
	d.sideEffects.Range(func(key, _ any) bool {
		ret = append(ret, key.(EntityType))
		return true
	})
	sort.Strings(ret)
	return ret
}

// Apply 执行副作用
// 未注册的实体类型走到这里说明提交时的校验被绕过了, 属于程序错误, 直接 panic
func (d *Dispatcher) Apply(ctx context.Context, req *SideEffectReq) error {
	v, ok := d.sideEffects.Load(req.EntityType)
	if !ok {
		panic(fmt.Sprintf("%v: entityType %q reached dispatch, workflowID: %d", ErrSideEffectNotRegistered, req.EntityType, req.WorkflowID))
	}
	return v.(SideEffect).Apply(ctx, req)
}
