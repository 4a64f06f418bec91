// Package content 审核涉及的内容实体(动作库, 营养计划), 以及它们对应的审核副作用
package content

import (
	"context"

	"github.com/blingmoon/simple-approval/approval"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var errEntityNotFound = approval.ErrEntityNotFound

// AutoMigrate 建表, 测试和 sqlite 模式使用
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ExercisePo{}, &NutritionPlanPo{})
}

// ExerciseSideEffect 通过: status=approved, 拒绝: status=rejected 并记录拒绝原因(审核备注)
func ExerciseSideEffect(repo ExerciseRepo) approval.SideEffect {
	return approval.NewOutcomeSideEffect(
		func(ctx context.Context, req *approval.SideEffectReq) error {
			return repo.UpdateExerciseReviewStatus(ctx, req.TenantID, req.EntityID, ExerciseStatusApproved, nil)
		},
		func(ctx context.Context, req *approval.SideEffectReq) error {
			var reason *string
			if req.ReviewNotes != "" {
				reason = approval.String(req.ReviewNotes)
			}
			return repo.UpdateExerciseReviewStatus(ctx, req.TenantID, req.EntityID, ExerciseStatusRejected, reason)
		},
	)
}

// NutritionPlanSideEffect 通过: status=approved 且生效, 拒绝: status=rejected 且不生效
func NutritionPlanSideEffect(repo NutritionPlanRepo) approval.SideEffect {
	return approval.NewOutcomeSideEffect(
		func(ctx context.Context, req *approval.SideEffectReq) error {
			return repo.UpdateNutritionPlanReviewStatus(ctx, req.TenantID, req.EntityID, NutritionPlanStatusApproved, true)
		},
		func(ctx context.Context, req *approval.SideEffectReq) error {
			return repo.UpdateNutritionPlanReviewStatus(ctx, req.TenantID, req.EntityID, NutritionPlanStatusRejected, false)
		},
	)
}

// RegisterSideEffects 注册内置的实体类型
// workout 目前只需要审核记录, 不改实体
func RegisterSideEffects(dispatcher *approval.Dispatcher, db *gorm.DB) error {
	if err := dispatcher.Register(approval.EntityTypeExercise, ExerciseSideEffect(NewExerciseRepo(db))); err != nil {
		return errors.WithMessage(err, "register exercise side effect failed")
	}
	if err := dispatcher.Register(approval.EntityTypeNutrition, NutritionPlanSideEffect(NewNutritionPlanRepo(db))); err != nil {
		return errors.WithMessage(err, "register nutrition side effect failed")
	}
	if err := dispatcher.Register(approval.EntityTypeWorkout, approval.NopSideEffect{}); err != nil {
		return errors.WithMessage(err, "register workout side effect failed")
	}
	return nil
}
