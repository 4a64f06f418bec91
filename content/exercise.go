package content

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type ExerciseStatus = string

const (
	ExerciseStatusDraft    ExerciseStatus = "draft"
	ExerciseStatusApproved ExerciseStatus = "approved"
	ExerciseStatusRejected ExerciseStatus = "rejected"
)

type ExercisePo struct {
	ID              string  `gorm:"column:exercise_id;primaryKey;size:64" json:"exercise_id"`
	TenantID        int64   `gorm:"column:tenant_id;not null;index:idx_exercise_tenant" json:"tenant_id"`
	Name            string  `gorm:"column:name;size:255;not null" json:"name"`
	Status          string  `gorm:"column:status;size:32;not null" json:"status"`
	RejectionReason *string `gorm:"column:rejection_reason;type:text" json:"rejection_reason"`
	CreatedAt       int64   `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
	UpdatedAt       int64   `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at"`
}

func (ExercisePo) TableName() string {
	return "exercises"
}

type ExerciseRepo interface {
	CreateExercise(ctx context.Context, po *ExercisePo) (*ExercisePo, error)
	GetExercise(ctx context.Context, tenantID int64, exerciseID string) (*ExercisePo, error)
	/**
	 * @description: 更新审核结果, 重复执行结果一样
	 *				 rejectionReason 为 nil 时清空
	 * @return error 实体不存在返回 approval.ErrEntityNotFound
	 */
	UpdateExerciseReviewStatus(ctx context.Context, tenantID int64, exerciseID string, status ExerciseStatus, rejectionReason *string) error
}

type exerciseRepo struct {
	db *gorm.DB
}

func NewExerciseRepo(db *gorm.DB) ExerciseRepo {
	return &exerciseRepo{db: db}
}

func (r *exerciseRepo) CreateExercise(ctx context.Context, po *ExercisePo) (*ExercisePo, error) {
	if po == nil {
		return nil, errors.New("nil ExercisePo")
	}
	if po.Status == "" {
		po.Status = ExerciseStatusDraft
	}
	now := time.Now().UnixMilli()
	po.CreatedAt = now
	po.UpdatedAt = now
	if err := r.db.WithContext(ctx).Create(po).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateExercise failed")
	}
	return po, nil
}

func (r *exerciseRepo) GetExercise(ctx context.Context, tenantID int64, exerciseID string) (*ExercisePo, error) {
	po := &ExercisePo{}
	err := r.db.WithContext(ctx).Where("exercise_id = ? AND tenant_id = ?", exerciseID, tenantID).Take(po).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.WithMessagef(errEntityNotFound, "exercise %s, tenantID: %d", exerciseID, tenantID)
		}
		return nil, errors.WithMessage(err, "GetExercise failed")
	}
	return po, nil
}

func (r *exerciseRepo) UpdateExerciseReviewStatus(ctx context.Context, tenantID int64, exerciseID string, status ExerciseStatus, rejectionReason *string) error {
	result := r.db.WithContext(ctx).Model(&ExercisePo{}).
		Where("exercise_id = ? AND tenant_id = ?", exerciseID, tenantID).
		Updates(map[string]any{
			"status":           status,
			"rejection_reason": rejectionReason,
			"updated_at":       time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return errors.WithMessage(result.Error, "UpdateExerciseReviewStatus failed")
	}
	if result.RowsAffected == 0 {
		// mysql 值没有变化的时候也是 0, 再查一次确认是否存在
		if _, err := r.GetExercise(ctx, tenantID, exerciseID); err != nil {
			return err
		}
	}
	return nil
}
