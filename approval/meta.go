package approval

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrApprovalParamInvalid      = errors.New("approval param invalid")
	ErrApprovalWorkflowNotFound  = errors.New("approval workflow not found")
	ErrApprovalInvalidState      = errors.New("approval workflow invalid state")
	ErrApprovalDuplicatePending  = errors.New("approval workflow already pending for entity")
	ErrApprovalSideEffectFailed  = errors.New("approval side effect failed")
	ErrApprovalStore             = errors.New("approval store failed")
	ErrSideEffectNotRegistered   = errors.New("side effect not registered")
	ErrSideEffectAlreadyRegister = errors.New("side effect already registered")
	// ErrEntityNotFound 由实体仓储返回, 审核结论已经落库, 但实体不存在
	ErrEntityNotFound = errors.New("entity not found")
)

type ApprovalStatus = string

const (
	ApprovalStatusPending ApprovalStatus = "pending"
	// 通过, 终止状态, 不再流转
	ApprovalStatusApproved ApprovalStatus = "approved"
	// 拒绝, 终止状态, 不再流转
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

func IsTerminalApprovalStatus(status ApprovalStatus) bool {
	return status == ApprovalStatusApproved || status == ApprovalStatusRejected
}

func GetApprovalStatusText(status ApprovalStatus) string {
	switch status {
	case ApprovalStatusPending:
		return "pending review"
	case ApprovalStatusApproved:
		return "approved"
	case ApprovalStatusRejected:
		return "rejected"
	}
	return "unknown"
}

type EntityType = string

const (
	EntityTypeExercise  EntityType = "exercise"
	EntityTypeNutrition EntityType = "nutrition"
	EntityTypeWorkout   EntityType = "workout"
)

// SideEffectStatus tracks whether the entity mutation of a terminal workflow has been applied.
type SideEffectStatus = string

const (
	SideEffectStatusNone    SideEffectStatus = "none" // still pending review
	SideEffectStatusPending SideEffectStatus = "pending"
	SideEffectStatusApplied SideEffectStatus = "applied"
	SideEffectStatusFailed  SideEffectStatus = "failed"
)

// pendingKeyValue is stored in pending_key while the row is pending; NULL afterwards.
const pendingKeyValue = "pending"

// InvalidStateError is returned when a review targets a workflow that already left pending,
// either because it was reviewed earlier or because a concurrent reviewer won the race.
type InvalidStateError struct {
	WorkflowID int64
	Status     ApprovalStatus
	ReviewedBy *int64
}

func (e *InvalidStateError) Error() string {
	if e.ReviewedBy != nil {
		return fmt.Sprintf("approval workflow %d already %s by %d", e.WorkflowID, e.Status, *e.ReviewedBy)
	}
	return fmt.Sprintf("approval workflow %d already %s", e.WorkflowID, e.Status)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrApprovalInvalidState
}

// SideEffectError means the decision is durable but the entity mutation did not happen.
type SideEffectError struct {
	WorkflowID int64
	EntityType EntityType
	EntityID   string
	Outcome    ApprovalStatus
	Err        error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("approval workflow %d %s, side effect for %s %s failed: %v",
		e.WorkflowID, e.Outcome, e.EntityType, e.EntityID, e.Err)
}

func (e *SideEffectError) Unwrap() error {
	return e.Err
}

func (e *SideEffectError) Is(target error) bool {
	return target == ErrApprovalSideEffectFailed
}

// StoreError wraps a persistence failure. Op names the repository call.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrApprovalStore
}

// Timeout reports whether the store call ran out of time.
func (e *StoreError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// IsRetryable 判断错误是否可以重试
// 1. 存储层的错误(超时, 连接失败), 重试整个调用即可
// 2. 副作用失败, 只需要重试副作用(RetrySideEffect), 审核结论不要重复提交
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrApprovalStore) || errors.Is(err, ErrApprovalSideEffectFailed)
}

// IsCriticalError 用于定时任务里面决定日志级别, 严重错误需要人工介入
func IsCriticalError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrEntityNotFound) ||
		errors.Is(err, ErrApprovalParamInvalid)
}
