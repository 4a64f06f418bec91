package approval

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
)

var validatorUtil = validator.New()

type ApprovalService interface {
	/**
	 * @description: 提交审核, 创建 pending 状态的审核流程, 不会修改实体
	 *               同一个实体同时只能有一个 pending 的审核流程
	 * @param ctx context.Context
	 * @param req *SubmitReq
	 * @return *ApprovalWorkflow, error ErrApprovalParamInvalid / ErrApprovalDuplicatePending / ErrApprovalStore
	 */
	Submit(ctx context.Context, req *SubmitReq) (*ApprovalWorkflow, error)
	/**
	 * @description: 审核, pending -> approved/rejected, 只会成功一次
	 *				 状态流转是单条条件更新(status = pending), 并发审核只有一个会成功, 其他的返回 *InvalidStateError
	 *				 状态落库之后才执行实体副作用, 副作用失败返回 *SideEffectError, 同时返回已经落库的审核流程, 审核结论不回滚
	 * @param ctx context.Context
	 * @param req *ReviewReq
	 * @return *ApprovalWorkflow, error
	 */
	Review(ctx context.Context, req *ReviewReq) (*ApprovalWorkflow, error)
	Approve(ctx context.Context, tenantID, workflowID, reviewerID int64, notes *string) (*ApprovalWorkflow, error)
	Reject(ctx context.Context, tenantID, workflowID, reviewerID int64, notes *string) (*ApprovalWorkflow, error)
	/**
	 * @description: 重新执行已经结束的审核流程的实体副作用, 不会改变审核结论
	 *				 同一个审核流程同时只有一个重试, 拿不到锁返回 LockFailedError
	 * @param ctx context.Context
	 * @param tenantID int64
	 * @param workflowID int64
	 * @return *ApprovalWorkflow, error
	 */
	RetrySideEffect(ctx context.Context, tenantID, workflowID int64) (*ApprovalWorkflow, error)
	/**
	 * @description: 补偿任务, 扫描副作用没有成功的审核流程并重试, 多副本只有一个在执行
	 * @param ctx context.Context
	 * @param params *ReconcileParams
	 * @return *ReconcileResult, error
	 */
	ReconcileSideEffects(ctx context.Context, params *ReconcileParams) (*ReconcileResult, error)

	GetWorkflow(ctx context.Context, tenantID, workflowID int64) (*ApprovalWorkflow, error)
	/**
	 * @description: 待审核队列, 只返回 pending, 按创建时间倒序
	 */
	ListPending(ctx context.Context, params *ListPendingParams) ([]*ApprovalWorkflow, error)
	/**
	 * @description: 审核记录, 只返回 approved/rejected, 按审核时间倒序
	 *				 Summary 只统计返回的这一页, 不是全部命中的记录
	 */
	QueryAudit(ctx context.Context, params *QueryAuditParams) (*AuditTrail, error)
}

// ApprovalServiceImpl 审核服务
type ApprovalServiceImpl struct {
	repo         ApprovalRepo
	dispatcher   *Dispatcher
	lock         ApprovalLock
	metrics      *Metrics
	storeTimeout time.Duration
	now          func() time.Time
}

type Option func(*ApprovalServiceImpl)

// WithStoreTimeout 每次存储调用的超时时间, <=0 不限制
func WithStoreTimeout(timeout time.Duration) Option {
	return func(s *ApprovalServiceImpl) { s.storeTimeout = timeout }
}

func WithMetrics(metrics *Metrics) Option {
	return func(s *ApprovalServiceImpl) { s.metrics = metrics }
}

func WithClock(now func() time.Time) Option {
	return func(s *ApprovalServiceImpl) { s.now = now }
}

func NewApprovalService(repo ApprovalRepo, dispatcher *Dispatcher, lock ApprovalLock, options ...Option) ApprovalService {
	s := &ApprovalServiceImpl{
		repo:         repo,
		dispatcher:   dispatcher,
		lock:         lock,
		storeTimeout: 5 * time.Second,
		now:          time.Now,
	}
	for _, option := range options {
		option(s)
	}
	return s
}
