package approval

import (
	"context"
)

// ApprovalRepo 审核流程的存储
// UpdateApprovalWorkflow 是条件更新, 返回实际更新的行数, 调用方依靠行数判断并发竞争的结果
type ApprovalRepo interface {
	CreateApprovalWorkflow(ctx context.Context, po *ApprovalWorkflowPo) (*ApprovalWorkflowPo, error)
	QueryApprovalWorkflow(ctx context.Context, param *QueryApprovalWorkflowParams) ([]*ApprovalWorkflowPo, error)
	CountApprovalWorkflow(ctx context.Context, param *QueryApprovalWorkflowParams) (int64, error)
	UpdateApprovalWorkflow(ctx context.Context, param *UpdateApprovalWorkflowParams) (int64, error)
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
