package approval

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ApprovalWorkflowPo 审核流程表, 只追加和单次条件更新, 不删除
// pending_key 只在 pending 时有值, 配合唯一索引保证同一个实体同时只有一个待审核流程
type ApprovalWorkflowPo struct {
	ID                 int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TenantID           int64          `gorm:"column:tenant_id;not null;index:idx_approval_tenant_status,priority:1;index:idx_approval_tenant_entity,priority:1;uniqueIndex:uk_approval_pending_entity,priority:1" json:"tenant_id"`
	EntityType         EntityType     `gorm:"column:entity_type;size:32;not null;index:idx_approval_tenant_entity,priority:2;uniqueIndex:uk_approval_pending_entity,priority:2" json:"entity_type"`
	EntityID           string         `gorm:"column:entity_id;size:64;not null;index:idx_approval_tenant_entity,priority:3;uniqueIndex:uk_approval_pending_entity,priority:3" json:"entity_id"`
	PendingKey         *string        `gorm:"column:pending_key;size:16;uniqueIndex:uk_approval_pending_entity,priority:4" json:"-"`
	Status             ApprovalStatus `gorm:"column:status;size:16;not null;index:idx_approval_tenant_status,priority:2" json:"status"`
	SubmittedBy        int64          `gorm:"column:submitted_by;not null" json:"submitted_by"`
	ReviewedBy         *int64         `gorm:"column:reviewed_by" json:"reviewed_by"`
	ReviewedAt         *int64         `gorm:"column:reviewed_at" json:"reviewed_at"` // unix 毫秒
	Notes              *string        `gorm:"column:notes;type:text" json:"notes"`
	ReviewNotes        *string        `gorm:"column:review_notes;type:text" json:"review_notes"`
	Metadata           Metadata       `gorm:"column:metadata;type:text" json:"metadata"`
	SideEffectStatus   string         `gorm:"column:side_effect_status;size:16;not null" json:"side_effect_status"`
	SideEffectAttempts int64          `gorm:"column:side_effect_attempts;not null" json:"side_effect_attempts"`
	SideEffectError    *string        `gorm:"column:side_effect_error;type:text" json:"side_effect_error"`
	CreatedAt          int64          `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
	UpdatedAt          int64          `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at"`
}

func (ApprovalWorkflowPo) TableName() string {
	return "approval_workflow"
}

// QueryOrder 排序白名单, 不允许调用方拼接排序语句
type QueryOrder string

const (
	OrderByIDAsc          QueryOrder = "id_asc"
	OrderByCreatedAtDesc  QueryOrder = "created_at_desc"
	OrderByReviewedAtDesc QueryOrder = "reviewed_at_desc"
	OrderByUpdatedAtAsc   QueryOrder = "updated_at_asc"
)

const defaultQueryPageSize = 10

var queryOrderClauses = map[QueryOrder]string{
	OrderByIDAsc:          "id asc",
	OrderByCreatedAtDesc:  "created_at desc, id desc",
	OrderByReviewedAtDesc: "reviewed_at desc, id desc",
	OrderByUpdatedAtAsc:   "updated_at asc, id asc",
}

type QueryApprovalWorkflowParams struct {
	WorkflowID                 *int64     `json:"workflow_id"`
	TenantID                   *int64     `json:"tenant_id"`
	EntityType                 *string    `json:"entity_type"`
	EntityID                   *string    `json:"entity_id"`
	SubmittedBy                *int64     `json:"submitted_by"`
	ReviewedBy                 *int64     `json:"reviewed_by"`
	StatusIn                   []string   `json:"status_in"`
	SideEffectStatusIn         []string   `json:"side_effect_status_in"`
	SideEffectAttemptsLessThan *int64     `json:"side_effect_attempts_less_than"`
	ReviewedAtGte              *int64     `json:"reviewed_at_gte"`
	ReviewedAtLte              *int64     `json:"reviewed_at_lte"`
	UpdatedAtLessThan          *int64     `json:"updated_at_less_than"`
	OrderBy                    QueryOrder `json:"order_by"`
	Page                       *Pager     `json:"page"`
}

type Pager struct {
	Page int64 `json:"page"`
	Size int64 `json:"size"`
}

type UpdateApprovalWorkflowParams struct {
	Where  *UpdateApprovalWorkflowWhere `json:"where" validate:"required"`
	Fields *UpdateApprovalWorkflowField `json:"field" validate:"required"`
}

// UpdateApprovalWorkflowWhere 条件更新的条件, StatusIn 就是乐观并发的比较条件
type UpdateApprovalWorkflowWhere struct {
	IDIn               []int64  `json:"id_in"`
	TenantID           *int64   `json:"tenant_id"`
	StatusIn           []string `json:"status_in"`
	SideEffectStatusIn []string `json:"side_effect_status_in"`
}

type UpdateApprovalWorkflowField struct {
	Status                 *string `json:"status"`
	ReviewedBy             *int64  `json:"reviewed_by"`
	ReviewedAt             *int64  `json:"reviewed_at"`
	Notes                  *string `json:"notes"`
	ReviewNotes            *string `json:"review_notes"`
	ClearPendingKey        bool    `json:"clear_pending_key"`
	SideEffectStatus       *string `json:"side_effect_status"`
	SideEffectError        *string `json:"side_effect_error"`
	ClearSideEffectError   bool    `json:"clear_side_effect_error"`
	IncrSideEffectAttempts bool    `json:"incr_side_effect_attempts"`
	UpdatedAt              *int64  `json:"updated_at"` // 为空时使用当前时间
}

type approvalRepo struct {
	db *gorm.DB
}

func NewApprovalRepo(db *gorm.DB) ApprovalRepo {
	return &approvalRepo{
		db: db,
	}
}

// AutoMigrate 建表和索引, 测试和 sqlite 模式使用
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ApprovalWorkflowPo{})
}

func (r *approvalRepo) CreateApprovalWorkflow(ctx context.Context, po *ApprovalWorkflowPo) (*ApprovalWorkflowPo, error) {
	if po == nil {
		return nil, errors.New("nil ApprovalWorkflowPo")
	}
	now := time.Now().UnixMilli()
	if po.CreatedAt == 0 {
		po.CreatedAt = now
	}
	po.UpdatedAt = po.CreatedAt
	if err := r.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateApprovalWorkflow failed")
	}
	return po, nil
}

func buildQueryApprovalWorkflowParams(db *gorm.DB, isCount bool, param *QueryApprovalWorkflowParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryApprovalWorkflowParams")
	}
	if param.WorkflowID != nil {
		db = db.Where("id = ?", *param.WorkflowID)
	}
	if param.TenantID != nil {
		db = db.Where("tenant_id = ?", *param.TenantID)
	}
	if param.EntityType != nil {
		db = db.Where("entity_type = ?", *param.EntityType)
	}
	if param.EntityID != nil {
		db = db.Where("entity_id = ?", *param.EntityID)
	}
	if param.SubmittedBy != nil {
		db = db.Where("submitted_by = ?", *param.SubmittedBy)
	}
	if param.ReviewedBy != nil {
		db = db.Where("reviewed_by = ?", *param.ReviewedBy)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if len(param.SideEffectStatusIn) != 0 {
		db = db.Where("side_effect_status IN ?", param.SideEffectStatusIn)
	}
	if param.SideEffectAttemptsLessThan != nil {
		db = db.Where("side_effect_attempts < ?", *param.SideEffectAttemptsLessThan)
	}
	if param.ReviewedAtGte != nil {
		db = db.Where("reviewed_at >= ?", *param.ReviewedAtGte)
	}
	if param.ReviewedAtLte != nil {
		db = db.Where("reviewed_at <= ?", *param.ReviewedAtLte)
	}
	if param.UpdatedAtLessThan != nil {
		db = db.Where("updated_at < ?", *param.UpdatedAtLessThan)
	}
	if isCount {
		return db, nil
	}
	if param.OrderBy != "" {
		clause, ok := queryOrderClauses[param.OrderBy]
		if !ok {
			return nil, errors.Errorf("unsupported order by: %s", param.OrderBy)
		}
		db = db.Order(clause)
	}
	if param.Page == nil {
		return nil, errors.New("page is nil")
	}
	if param.Page.Page == 0 {
		param.Page.Page = 1
	}
	if param.Page.Size == 0 {
		param.Page.Size = defaultQueryPageSize
	}
	db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	return db, nil
}

func (r *approvalRepo) QueryApprovalWorkflow(ctx context.Context, param *QueryApprovalWorkflowParams) ([]*ApprovalWorkflowPo, error) {
	db := r.GetDBWithContext(ctx).Model(&ApprovalWorkflowPo{})
	db, err := buildQueryApprovalWorkflowParams(db, false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryApprovalWorkflowParams failed")
	}
	pos := make([]*ApprovalWorkflowPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryApprovalWorkflow failed")
	}
	return pos, nil
}

func (r *approvalRepo) CountApprovalWorkflow(ctx context.Context, param *QueryApprovalWorkflowParams) (int64, error) {
	db := r.GetDBWithContext(ctx).Model(&ApprovalWorkflowPo{})
	db, err := buildQueryApprovalWorkflowParams(db, true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryApprovalWorkflowParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountApprovalWorkflow failed")
	}
	return count, nil
}

func buildUpdateApprovalWorkflowParams(db *gorm.DB, param *UpdateApprovalWorkflowParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil UpdateApprovalWorkflowParams")
	}
	if param.Where == nil {
		return nil, errors.New("where is nil")
	}
	if param.Fields == nil {
		return nil, errors.New("fields is nil")
	}
	// 必须指定 id, 不允许整表更新
	if len(param.Where.IDIn) == 0 {
		return nil, errors.New("update approval workflow need id condition")
	}
	db = db.Where("id IN ?", param.Where.IDIn)
	if param.Where.TenantID != nil {
		db = db.Where("tenant_id = ?", *param.Where.TenantID)
	}
	if len(param.Where.StatusIn) > 0 {
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	if len(param.Where.SideEffectStatusIn) > 0 {
		db = db.Where("side_effect_status IN ?", param.Where.SideEffectStatusIn)
	}
	return db, nil
}

func buildUpdateApprovalWorkflowFields(fields *UpdateApprovalWorkflowField) (map[string]any, error) {
	updateFields := make(map[string]any)
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.ReviewedBy != nil {
		updateFields["reviewed_by"] = *fields.ReviewedBy
	}
	if fields.ReviewedAt != nil {
		updateFields["reviewed_at"] = *fields.ReviewedAt
	}
	if fields.Notes != nil {
		updateFields["notes"] = *fields.Notes
	}
	if fields.ReviewNotes != nil {
		updateFields["review_notes"] = *fields.ReviewNotes
	}
	if fields.ClearPendingKey {
		updateFields["pending_key"] = nil
	}
	if fields.SideEffectStatus != nil {
		updateFields["side_effect_status"] = *fields.SideEffectStatus
	}
	if fields.SideEffectError != nil {
		updateFields["side_effect_error"] = *fields.SideEffectError
	}
	if fields.ClearSideEffectError {
		updateFields["side_effect_error"] = nil
	}
	if fields.IncrSideEffectAttempts {
		updateFields["side_effect_attempts"] = gorm.Expr("side_effect_attempts + ?", 1)
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	if fields.UpdatedAt != nil {
		updateFields["updated_at"] = *fields.UpdatedAt
	} else {
		updateFields["updated_at"] = time.Now().UnixMilli()
	}
	return updateFields, nil
}

// UpdateApprovalWorkflow 单条语句的条件更新, 返回命中的行数
func (r *approvalRepo) UpdateApprovalWorkflow(ctx context.Context, param *UpdateApprovalWorkflowParams) (int64, error) {
	db := r.GetDBWithContext(ctx).Model(&ApprovalWorkflowPo{})
	db, err := buildUpdateApprovalWorkflowParams(db, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateApprovalWorkflowParams failed")
	}
	updateFields, err := buildUpdateApprovalWorkflowFields(param.Fields)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateApprovalWorkflowFields failed")
	}
	result := db.Updates(updateFields)
	if result.Error != nil {
		return 0, errors.WithMessage(result.Error, "UpdateApprovalWorkflow failed")
	}
	return result.RowsAffected, nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *approvalRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx, ok := ctx.Value(transactionContextKey).(*gorm.DB)
	if !ok {
		return r.db.WithContext(ctx)
	}
	return tx
}

// Transaction 事务通过 ctx 传递, 已经在事务里面就直接复用
func (r *approvalRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(transactionContextKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, transactionContextKey, tx))
	})
}
