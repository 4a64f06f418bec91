package approval

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultPendingLimit = 50
	DefaultAuditLimit   = 100
	MaxQueryLimit       = 500
)

type ListPendingParams struct {
	TenantID    int64       `json:"tenant_id" validate:"gt=0"`
	EntityType  *EntityType `json:"entity_type"`
	SubmittedBy *int64      `json:"submitted_by"`
	Limit       int         `json:"limit" validate:"gte=0,lte=500"` // 0 使用默认值
}

type QueryAuditParams struct {
	TenantID     int64       `json:"tenant_id" validate:"gt=0"`
	EntityType   *EntityType `json:"entity_type"`
	EntityID     *string     `json:"entity_id"`
	ReviewedBy   *int64      `json:"reviewed_by"`
	ReviewedFrom *time.Time  `json:"reviewed_from"` // 包含
	ReviewedTo   *time.Time  `json:"reviewed_to"`   // 包含
	Limit        int         `json:"limit" validate:"gte=0,lte=500"`
}

// AuditSummary 只统计返回的这一页
type AuditSummary struct {
	Total        int                `json:"total"`
	Approved     int                `json:"approved"`
	Rejected     int                `json:"rejected"`
	ByEntityType map[EntityType]int `json:"by_entity_type"`
}

type AuditTrail struct {
	Records []*ApprovalWorkflow `json:"audit_trail"`
	Summary *AuditSummary       `json:"summary"`
}

func (s *ApprovalServiceImpl) ListPending(ctx context.Context, params *ListPendingParams) ([]*ApprovalWorkflow, error) {
	if params == nil {
		return nil, errors.Wrap(ErrApprovalParamInvalid, "ListPending failed, params is nil")
	}
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.Wrapf(ErrApprovalParamInvalid, "ListPending failed, params: %+v, err: %v", params, err)
	}
	limit := params.Limit
	if limit == 0 {
		limit = DefaultPendingLimit
	}
	pos, err := s.queryWorkflow(ctx, &QueryApprovalWorkflowParams{
		TenantID:    &params.TenantID,
		EntityType:  params.EntityType,
		SubmittedBy: params.SubmittedBy,
		StatusIn:    []string{ApprovalStatusPending},
		OrderBy:     OrderByCreatedAtDesc,
		Page:        &Pager{Page: 1, Size: int64(limit)},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "ListPending failed, tenantID: %d", params.TenantID)
	}
	ret := make([]*ApprovalWorkflow, 0, len(pos))
	for _, po := range pos {
		ret = append(ret, toApprovalWorkflow(po))
	}
	return ret, nil
}

func (s *ApprovalServiceImpl) QueryAudit(ctx context.Context, params *QueryAuditParams) (*AuditTrail, error) {
	if params == nil {
		return nil, errors.Wrap(ErrApprovalParamInvalid, "QueryAudit failed, params is nil")
	}
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.Wrapf(ErrApprovalParamInvalid, "QueryAudit failed, params: %+v, err: %v", params, err)
	}
	if params.ReviewedFrom != nil && params.ReviewedTo != nil && params.ReviewedTo.Before(*params.ReviewedFrom) {
		return nil, errors.Wrapf(ErrApprovalParamInvalid, "QueryAudit failed, reviewed_to %s is before reviewed_from %s",
			params.ReviewedTo.Format(time.RFC3339), params.ReviewedFrom.Format(time.RFC3339))
	}
	limit := params.Limit
	if limit == 0 {
		limit = DefaultAuditLimit
	}
	query := &QueryApprovalWorkflowParams{
		TenantID:   &params.TenantID,
		EntityType: params.EntityType,
		EntityID:   params.EntityID,
		ReviewedBy: params.ReviewedBy,
		StatusIn:   []string{ApprovalStatusApproved, ApprovalStatusRejected},
		OrderBy:    OrderByReviewedAtDesc,
		Page:       &Pager{Page: 1, Size: int64(limit)},
	}
	if params.ReviewedFrom != nil {
		query.ReviewedAtGte = Int64(params.ReviewedFrom.UnixMilli())
	}
	if params.ReviewedTo != nil {
		query.ReviewedAtLte = Int64(params.ReviewedTo.UnixMilli())
	}
	pos, err := s.queryWorkflow(ctx, query)
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryAudit failed, tenantID: %d", params.TenantID)
	}
	trail := &AuditTrail{
		Records: make([]*ApprovalWorkflow, 0, len(pos)),
		Summary: &AuditSummary{ByEntityType: make(map[EntityType]int)},
	}
	for _, po := range pos {
		trail.Records = append(trail.Records, toApprovalWorkflow(po))
		trail.Summary.Total++
		switch po.Status {
		case ApprovalStatusApproved:
			trail.Summary.Approved++
		case ApprovalStatusRejected:
			trail.Summary.Rejected++
		}
		trail.Summary.ByEntityType[po.EntityType]++
	}
	return trail, nil
}

func (s *ApprovalServiceImpl) queryWorkflow(ctx context.Context, params *QueryApprovalWorkflowParams) ([]*ApprovalWorkflowPo, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	pos, err := s.repo.QueryApprovalWorkflow(storeCtx, params)
	if err != nil {
		return nil, &StoreError{Op: "QueryApprovalWorkflow", Err: err}
	}
	return pos, nil
}
