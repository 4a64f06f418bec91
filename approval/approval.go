package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// 辅助函数
func String(s string) *string { return &s }
func Int64(i int64) *int64    { return &i }

// ApprovalWorkflow 审核流程entity
type ApprovalWorkflow struct {
	ID                 int64          `json:"id"`
	TenantID           int64          `json:"tenant_id"`
	EntityType         EntityType     `json:"entity_type"`
	EntityID           string         `json:"entity_id"`
	SubmittedBy        int64          `json:"submitted_by"`
	Status             ApprovalStatus `json:"status"`
	ReviewedBy         *int64         `json:"reviewed_by"`
	ReviewedAt         *time.Time     `json:"reviewed_at"`
	Notes              *string        `json:"notes"`
	ReviewNotes        *string        `json:"review_notes"` // 只有审核人的备注, 拒绝原因取这个
	Metadata           *Metadata      `json:"metadata"`
	SideEffectStatus   string         `json:"side_effect_status"`
	SideEffectAttempts int64          `json:"side_effect_attempts"`
	SideEffectError    *string        `json:"side_effect_error,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (w *ApprovalWorkflow) IsTerminal() bool {
	return IsTerminalApprovalStatus(w.Status)
}

type SubmitReq struct {
	TenantID    int64          `json:"tenant_id" validate:"gt=0"`
	EntityType  EntityType     `json:"entity_type" validate:"required,max=32"`
	EntityID    string         `json:"entity_id" validate:"required,max=64"`
	SubmittedBy int64          `json:"submitted_by" validate:"gt=0"`
	Notes       *string        `json:"notes"`
	Metadata    map[string]any `json:"metadata"` // 调用方自己的数据, 原样保存
}

type ReviewReq struct {
	TenantID   int64          `json:"tenant_id" validate:"gt=0"`
	WorkflowID int64          `json:"workflow_id" validate:"gt=0"`
	ReviewerID int64          `json:"reviewer_id" validate:"gt=0"`
	Outcome    ApprovalStatus `json:"outcome" validate:"oneof=approved rejected"`
	Notes      *string        `json:"notes"` // 不为空时覆盖提交时的备注
}

// toApprovalWorkflow po 都是每次新查出来的, metadata 直接复用
func toApprovalWorkflow(po *ApprovalWorkflowPo) *ApprovalWorkflow {
	metadata := po.Metadata
	w := &ApprovalWorkflow{
		ID:                 po.ID,
		TenantID:           po.TenantID,
		EntityType:         po.EntityType,
		EntityID:           po.EntityID,
		SubmittedBy:        po.SubmittedBy,
		Status:             po.Status,
		ReviewedBy:         po.ReviewedBy,
		Notes:              po.Notes,
		ReviewNotes:        po.ReviewNotes,
		Metadata:           &metadata,
		SideEffectStatus:   po.SideEffectStatus,
		SideEffectAttempts: po.SideEffectAttempts,
		SideEffectError:    po.SideEffectError,
		CreatedAt:          time.UnixMilli(po.CreatedAt),
		UpdatedAt:          time.UnixMilli(po.UpdatedAt),
	}
	if po.ReviewedAt != nil {
		reviewedAt := time.UnixMilli(*po.ReviewedAt)
		w.ReviewedAt = &reviewedAt
	}
	return w
}

func (s *ApprovalServiceImpl) Submit(ctx context.Context, req *SubmitReq) (*ApprovalWorkflow, error) {
	if req == nil {
		return nil, errors.Wrap(ErrApprovalParamInvalid, "Submit failed, req is nil")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrApprovalParamInvalid, "Submit failed, req: %+v, err: %v", req, err)
	}
	if !s.dispatcher.IsRegistered(req.EntityType) {
		return nil, errors.Wrapf(ErrApprovalParamInvalid, "Submit failed, unrecognized entityType: %s, supported: %v", req.EntityType, s.dispatcher.EntityTypes())
	}
	metadata, err := NewMetadata(req.Metadata).Clone()
	if err != nil {
		return nil, errors.Wrapf(ErrApprovalParamInvalid, "Submit failed, metadata is not valid json, err: %v", err)
	}
	now := s.now().UnixMilli()
	po := &ApprovalWorkflowPo{
		TenantID:         req.TenantID,
		EntityType:       req.EntityType,
		EntityID:         req.EntityID,
		PendingKey:       String(pendingKeyValue),
		Status:           ApprovalStatusPending,
		SubmittedBy:      req.SubmittedBy,
		Notes:            req.Notes,
		Metadata:         *metadata,
		SideEffectStatus: SideEffectStatusNone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	err = s.repo.Transaction(storeCtx, func(ctx context.Context) error {
		count, err := s.repo.CountApprovalWorkflow(ctx, &QueryApprovalWorkflowParams{
			TenantID:   &req.TenantID,
			EntityType: &req.EntityType,
			EntityID:   &req.EntityID,
			StatusIn:   []string{ApprovalStatusPending},
		})
		if err != nil {
			return &StoreError{Op: "CountApprovalWorkflow", Err: err}
		}
		if count > 0 {
			return errors.Wrapf(ErrApprovalDuplicatePending, "tenantID: %d, entityType: %s, entityID: %s", req.TenantID, req.EntityType, req.EntityID)
		}
		if _, err = s.repo.CreateApprovalWorkflow(ctx, po); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// 并发提交, 被唯一索引拦住
				return errors.Wrapf(ErrApprovalDuplicatePending, "tenantID: %d, entityType: %s, entityID: %s", req.TenantID, req.EntityType, req.EntityID)
			}
			return &StoreError{Op: "CreateApprovalWorkflow", Err: err}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrApprovalDuplicatePending) && !errors.Is(err, ErrApprovalStore) {
			// 提交事务失败
			err = &StoreError{Op: "Transaction", Err: err}
		}
		return nil, errors.WithMessagef(err, "Submit failed, entityType: %s, entityID: %s", req.EntityType, req.EntityID)
	}
	s.metrics.incSubmission(po.EntityType)
	slog.InfoContext(ctx, "approval workflow submitted",
		"workflow_id", po.ID, "tenant_id", po.TenantID, "entity_type", po.EntityType, "entity_id", po.EntityID)
	return toApprovalWorkflow(po), nil
}

func (s *ApprovalServiceImpl) Review(ctx context.Context, req *ReviewReq) (*ApprovalWorkflow, error) {
	if req == nil {
		return nil, errors.Wrap(ErrApprovalParamInvalid, "Review failed, req is nil")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrApprovalParamInvalid, "Review failed, req: %+v, err: %v", req, err)
	}
	po, err := s.loadWorkflow(ctx, req.TenantID, req.WorkflowID)
	if err != nil {
		return nil, errors.WithMessagef(err, "Review failed, workflowID: %d", req.WorkflowID)
	}
	if po.Status != ApprovalStatusPending {
		s.metrics.incReviewConflict(po.EntityType)
		return nil, &InvalidStateError{WorkflowID: po.ID, Status: po.Status, ReviewedBy: po.ReviewedBy}
	}

	reviewedAt := s.now().UnixMilli()
	notes := po.Notes
	var reviewNotes *string
	if req.Notes != nil && *req.Notes != "" {
		notes = req.Notes
		reviewNotes = req.Notes
	}
	// 只有 status 还是 pending 的时候才会更新成功, 不能拆成先查再写
	affected, err := s.updateWorkflow(ctx, &UpdateApprovalWorkflowParams{
		Where: &UpdateApprovalWorkflowWhere{
			IDIn:     []int64{po.ID},
			TenantID: &req.TenantID,
			StatusIn: []string{ApprovalStatusPending},
		},
		Fields: &UpdateApprovalWorkflowField{
			Status:           String(req.Outcome),
			ReviewedBy:       Int64(req.ReviewerID),
			ReviewedAt:       &reviewedAt,
			Notes:            notes,
			ReviewNotes:      reviewNotes,
			ClearPendingKey:  true,
			SideEffectStatus: String(SideEffectStatusPending),
		},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "Review failed, workflowID: %d", po.ID)
	}
	if affected == 0 {
		// 别的审核人先提交了, 返回当前的状态
		s.metrics.incReviewConflict(po.EntityType)
		current, err := s.loadWorkflow(ctx, req.TenantID, req.WorkflowID)
		if err != nil {
			return nil, errors.WithMessagef(err, "Review lost race, reload failed, workflowID: %d", po.ID)
		}
		return nil, &InvalidStateError{WorkflowID: current.ID, Status: current.Status, ReviewedBy: current.ReviewedBy}
	}

	po.Status = req.Outcome
	po.ReviewedBy = Int64(req.ReviewerID)
	po.ReviewedAt = &reviewedAt
	po.Notes = notes
	po.ReviewNotes = reviewNotes
	po.PendingKey = nil
	po.SideEffectStatus = SideEffectStatusPending
	po.UpdatedAt = reviewedAt
	s.metrics.incReview(po.EntityType, po.Outcome())
	slog.InfoContext(ctx, "approval workflow reviewed",
		"workflow_id", po.ID, "tenant_id", po.TenantID, "outcome", po.Status, "reviewed_by", req.ReviewerID)

	// 审核结论已经落库, 副作用失败只返回错误, 不回滚
	if err := s.applySideEffect(ctx, po); err != nil {
		s.metrics.incSideEffectFailure(po.EntityType)
		return toApprovalWorkflow(po), err
	}
	return toApprovalWorkflow(po), nil
}

// Outcome 审核结论, pending 时为空
func (po *ApprovalWorkflowPo) Outcome() ApprovalStatus {
	if IsTerminalApprovalStatus(po.Status) {
		return po.Status
	}
	return ""
}

func (s *ApprovalServiceImpl) Approve(ctx context.Context, tenantID, workflowID, reviewerID int64, notes *string) (*ApprovalWorkflow, error) {
	return s.Review(ctx, &ReviewReq{
		TenantID:   tenantID,
		WorkflowID: workflowID,
		ReviewerID: reviewerID,
		Outcome:    ApprovalStatusApproved,
		Notes:      notes,
	})
}

func (s *ApprovalServiceImpl) Reject(ctx context.Context, tenantID, workflowID, reviewerID int64, notes *string) (*ApprovalWorkflow, error) {
	return s.Review(ctx, &ReviewReq{
		TenantID:   tenantID,
		WorkflowID: workflowID,
		ReviewerID: reviewerID,
		Outcome:    ApprovalStatusRejected,
		Notes:      notes,
	})
}

func (s *ApprovalServiceImpl) GetWorkflow(ctx context.Context, tenantID, workflowID int64) (*ApprovalWorkflow, error) {
	if tenantID <= 0 || workflowID <= 0 {
		return nil, errors.Wrapf(ErrApprovalParamInvalid, "GetWorkflow failed, tenantID: %d, workflowID: %d", tenantID, workflowID)
	}
	po, err := s.loadWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return nil, err
	}
	return toApprovalWorkflow(po), nil
}

func (s *ApprovalServiceImpl) RetrySideEffect(ctx context.Context, tenantID, workflowID int64) (*ApprovalWorkflow, error) {
	if tenantID <= 0 || workflowID <= 0 {
		return nil, errors.Wrapf(ErrApprovalParamInvalid, "RetrySideEffect failed, tenantID: %d, workflowID: %d", tenantID, workflowID)
	}
	var ret *ApprovalWorkflow
	err := s.lock.NonBlockingSynchronized(ctx, sideEffectLockKey(workflowID), sideEffectLockTTL,
		func(ctx context.Context) error {
			po, err := s.loadWorkflow(ctx, tenantID, workflowID)
			if err != nil {
				return err
			}
			if !IsTerminalApprovalStatus(po.Status) {
				return &InvalidStateError{WorkflowID: po.ID, Status: po.Status}
			}
			err = s.applySideEffect(ctx, po)
			s.metrics.incSideEffectRetry(po.EntityType, err)
			ret = toApprovalWorkflow(po)
			return err
		})
	if err != nil {
		return ret, errors.WithMessagef(err, "RetrySideEffect failed, workflowID: %d", workflowID)
	}
	return ret, nil
}

const sideEffectLockTTL = 5 * time.Minute

func sideEffectLockKey(workflowID int64) string {
	return fmt.Sprintf("approval_side_effect_%d", workflowID)
}

// applySideEffect 执行副作用并记录结果, 记录失败只打日志, 不影响返回
func (s *ApprovalServiceImpl) applySideEffect(ctx context.Context, po *ApprovalWorkflowPo) error {
	req := &SideEffectReq{
		WorkflowID: po.ID,
		TenantID:   po.TenantID,
		EntityType: po.EntityType,
		EntityID:   po.EntityID,
		Outcome:    po.Status,
	}
	if po.ReviewNotes != nil {
		req.ReviewNotes = *po.ReviewNotes
	}
	storeCtx, cancel := s.storeContext(ctx)
	applyErr := s.dispatcher.Apply(storeCtx, req)
	cancel()

	fields := &UpdateApprovalWorkflowField{IncrSideEffectAttempts: true}
	po.SideEffectAttempts++
	if applyErr == nil {
		po.SideEffectStatus = SideEffectStatusApplied
		po.SideEffectError = nil
		fields.SideEffectStatus = String(SideEffectStatusApplied)
		fields.ClearSideEffectError = true
	} else {
		po.SideEffectStatus = SideEffectStatusFailed
		po.SideEffectError = String(applyErr.Error())
		fields.SideEffectStatus = String(SideEffectStatusFailed)
		fields.SideEffectError = po.SideEffectError
	}
	// 调用方取消了也要把结果记下来, 否则补偿任务会重复执行
	_, markErr := s.updateWorkflow(context.WithoutCancel(ctx), &UpdateApprovalWorkflowParams{
		Where: &UpdateApprovalWorkflowWhere{
			IDIn:     []int64{po.ID},
			StatusIn: []string{ApprovalStatusApproved, ApprovalStatusRejected},
		},
		Fields: fields,
	})
	if markErr != nil {
		slog.ErrorContext(ctx, "mark side effect status failed",
			"workflow_id", po.ID, "side_effect_status", po.SideEffectStatus, "err", markErr)
	}
	if applyErr != nil {
		slog.ErrorContext(ctx, "approval side effect failed",
			"workflow_id", po.ID, "entity_type", po.EntityType, "entity_id", po.EntityID, "outcome", po.Status, "err", applyErr)
		return &SideEffectError{
			WorkflowID: po.ID,
			EntityType: po.EntityType,
			EntityID:   po.EntityID,
			Outcome:    po.Status,
			Err:        applyErr,
		}
	}
	return nil
}

// loadWorkflow 按租户查询, 别的租户的数据当成不存在
func (s *ApprovalServiceImpl) loadWorkflow(ctx context.Context, tenantID, workflowID int64) (*ApprovalWorkflowPo, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	pos, err := s.repo.QueryApprovalWorkflow(storeCtx, &QueryApprovalWorkflowParams{
		WorkflowID: &workflowID,
		TenantID:   &tenantID,
		Page:       &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return nil, &StoreError{Op: "QueryApprovalWorkflow", Err: err}
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrApprovalWorkflowNotFound, "tenantID: %d, workflowID: %d", tenantID, workflowID)
	}
	return pos[0], nil
}

func (s *ApprovalServiceImpl) updateWorkflow(ctx context.Context, params *UpdateApprovalWorkflowParams) (int64, error) {
	if params != nil && params.Fields != nil && params.Fields.UpdatedAt == nil {
		params.Fields.UpdatedAt = Int64(s.now().UnixMilli())
	}
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	affected, err := s.repo.UpdateApprovalWorkflow(storeCtx, params)
	if err != nil {
		return 0, &StoreError{Op: "UpdateApprovalWorkflow", Err: err}
	}
	return affected, nil
}

func (s *ApprovalServiceImpl) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}
