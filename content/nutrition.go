package content

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type NutritionPlanStatus = string

const (
	NutritionPlanStatusDraft    NutritionPlanStatus = "draft"
	NutritionPlanStatusApproved NutritionPlanStatus = "approved"
	NutritionPlanStatusRejected NutritionPlanStatus = "rejected"
)

type NutritionPlanPo struct {
	ID        string `gorm:"column:id;primaryKey;size:64" json:"id"`
	TenantID  int64  `gorm:"column:tenant_id;not null;index:idx_nutrition_plan_tenant" json:"tenant_id"`
	Name      string `gorm:"column:name;size:255;not null" json:"name"`
	Status    string `gorm:"column:status;size:32;not null" json:"status"`
	IsActive  bool   `gorm:"column:is_active;not null" json:"is_active"`
	CreatedAt int64  `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
	UpdatedAt int64  `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at"`
}

func (NutritionPlanPo) TableName() string {
	return "nutrition_plans"
}

type NutritionPlanRepo interface {
	CreateNutritionPlan(ctx context.Context, po *NutritionPlanPo) (*NutritionPlanPo, error)
	GetNutritionPlan(ctx context.Context, tenantID int64, planID string) (*NutritionPlanPo, error)
	// UpdateNutritionPlanReviewStatus 通过的计划才会生效, 拒绝的计划下线
	UpdateNutritionPlanReviewStatus(ctx context.Context, tenantID int64, planID string, status NutritionPlanStatus, isActive bool) error
}

type nutritionPlanRepo struct {
	db *gorm.DB
}

func NewNutritionPlanRepo(db *gorm.DB) NutritionPlanRepo {
	return &nutritionPlanRepo{db: db}
}

func (r *nutritionPlanRepo) CreateNutritionPlan(ctx context.Context, po *NutritionPlanPo) (*NutritionPlanPo, error) {
	if po == nil {
		return nil, errors.New("nil NutritionPlanPo")
	}
	if po.Status == "" {
		po.Status = NutritionPlanStatusDraft
	}
	now := time.Now().UnixMilli()
	po.CreatedAt = now
	po.UpdatedAt = now
	if err := r.db.WithContext(ctx).Create(po).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateNutritionPlan failed")
	}
	return po, nil
}

func (r *nutritionPlanRepo) GetNutritionPlan(ctx context.Context, tenantID int64, planID string) (*NutritionPlanPo, error) {
	po := &NutritionPlanPo{}
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", planID, tenantID).Take(po).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.WithMessagef(errEntityNotFound, "nutrition plan %s, tenantID: %d", planID, tenantID)
		}
		return nil, errors.WithMessage(err, "GetNutritionPlan failed")
	}
	return po, nil
}

func (r *nutritionPlanRepo) UpdateNutritionPlanReviewStatus(ctx context.Context, tenantID int64, planID string, status NutritionPlanStatus, isActive bool) error {
	result := r.db.WithContext(ctx).Model(&NutritionPlanPo{}).
		Where("id = ? AND tenant_id = ?", planID, tenantID).
		Updates(map[string]any{
			"status":     status,
			"is_active":  isActive,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return errors.WithMessage(result.Error, "UpdateNutritionPlanReviewStatus failed")
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetNutritionPlan(ctx, tenantID, planID); err != nil {
			return err
		}
	}
	return nil
}
