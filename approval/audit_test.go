package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListPending(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)

	e1 := env.submit(t, 1, EntityTypeExercise, "E1")
	env.clock.Advance(time.Second)
	n1 := env.submit(t, 1, EntityTypeNutrition, "N1")
	env.clock.Advance(time.Second)
	_, err := env.service.Submit(ctx, &SubmitReq{TenantID: 1, EntityType: EntityTypeWorkout, EntityID: "W1", SubmittedBy: 7})
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	env.submit(t, 2, EntityTypeExercise, "E1")

	_, err = env.service.Approve(ctx, 1, e1.ID, 200, nil)
	require.NoError(t, err)

	t.Run("只返回当前租户的待审核, 按创建时间倒序", func(t *testing.T) {
		list, err := env.service.ListPending(ctx, &ListPendingParams{TenantID: 1})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, EntityTypeWorkout, list[0].EntityType)
		assert.Equal(t, n1.ID, list[1].ID)
		for _, w := range list {
			assert.Equal(t, ApprovalStatusPending, w.Status)
			assert.Equal(t, int64(1), w.TenantID)
		}
	})

	t.Run("过滤", func(t *testing.T) {
		entityType := EntityTypeNutrition
		list, err := env.service.ListPending(ctx, &ListPendingParams{TenantID: 1, EntityType: &entityType})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, n1.ID, list[0].ID)

		list, err = env.service.ListPending(ctx, &ListPendingParams{TenantID: 1, SubmittedBy: Int64(7)})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, EntityTypeWorkout, list[0].EntityType)

		list, err = env.service.ListPending(ctx, &ListPendingParams{TenantID: 1, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("参数校验", func(t *testing.T) {
		_, err := env.service.ListPending(ctx, &ListPendingParams{TenantID: 0})
		assert.ErrorIs(t, err, ErrApprovalParamInvalid)
		_, err = env.service.ListPending(ctx, &ListPendingParams{TenantID: 1, Limit: MaxQueryLimit + 1})
		assert.ErrorIs(t, err, ErrApprovalParamInvalid)
		_, err = env.service.ListPending(ctx, nil)
		assert.ErrorIs(t, err, ErrApprovalParamInvalid)
	})
}

func TestQueryAudit(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)

	// 两个租户使用同一个 entity_id
	t1e1 := env.submit(t, 1, EntityTypeExercise, "E1")
	t1n1 := env.submit(t, 1, EntityTypeNutrition, "N1")
	t1e2 := env.submit(t, 1, EntityTypeExercise, "E2")
	t1pending := env.submit(t, 1, EntityTypeExercise, "E3")
	t2e1 := env.submit(t, 2, EntityTypeExercise, "E1")

	env.clock.Advance(time.Minute)
	_, err := env.service.Approve(ctx, 1, t1e1.ID, 200, String("looks good"))
	require.NoError(t, err)
	firstReviewAt := env.clock.Now()
	env.clock.Advance(time.Minute)
	_, err = env.service.Reject(ctx, 1, t1n1.ID, 201, String("too few calories"))
	require.NoError(t, err)
	env.clock.Advance(time.Minute)
	_, err = env.service.Approve(ctx, 1, t1e2.ID, 201, nil)
	require.NoError(t, err)
	lastReviewAt := env.clock.Now()
	_, err = env.service.Approve(ctx, 2, t2e1.ID, 900, nil)
	require.NoError(t, err)

	t.Run("只返回已经审核的, 按审核时间倒序", func(t *testing.T) {
		trail, err := env.service.QueryAudit(ctx, &QueryAuditParams{TenantID: 1})
		require.NoError(t, err)
		require.Len(t, trail.Records, 3)
		assert.Equal(t, t1e2.ID, trail.Records[0].ID)
		assert.Equal(t, t1n1.ID, trail.Records[1].ID)
		assert.Equal(t, t1e1.ID, trail.Records[2].ID)
		for _, w := range trail.Records {
			assert.NotEqual(t, t1pending.ID, w.ID)
			assert.True(t, w.IsTerminal())
			assert.Equal(t, int64(1), w.TenantID)
		}
		assert.Equal(t, &AuditSummary{
			Total:        3,
			Approved:     2,
			Rejected:     1,
			ByEntityType: map[EntityType]int{EntityTypeExercise: 2, EntityTypeNutrition: 1},
		}, trail.Summary)
	})

	t.Run("按实体过滤不会串租户", func(t *testing.T) {
		entityType := EntityTypeExercise
		entityID := "E1"
		trail, err := env.service.QueryAudit(ctx, &QueryAuditParams{TenantID: 1, EntityType: &entityType, EntityID: &entityID})
		require.NoError(t, err)
		require.Len(t, trail.Records, 1)
		assert.Equal(t, t1e1.ID, trail.Records[0].ID)
		assert.Equal(t, "looks good", *trail.Records[0].Notes)

		trail, err = env.service.QueryAudit(ctx, &QueryAuditParams{TenantID: 2, EntityType: &entityType, EntityID: &entityID})
		require.NoError(t, err)
		require.Len(t, trail.Records, 1)
		assert.Equal(t, t2e1.ID, trail.Records[0].ID)
	})

	t.Run("按审核人和审核时间过滤", func(t *testing.T) {
		trail, err := env.service.QueryAudit(ctx, &QueryAuditParams{TenantID: 1, ReviewedBy: Int64(201)})
		require.NoError(t, err)
		assert.Equal(t, 2, trail.Summary.Total)
		assert.Equal(t, 1, trail.Summary.Approved)
		assert.Equal(t, 1, trail.Summary.Rejected)

		from := firstReviewAt.Add(time.Second)
		trail, err = env.service.QueryAudit(ctx, &QueryAuditParams{TenantID: 1, ReviewedFrom: &from, ReviewedTo: &lastReviewAt})
		require.NoError(t, err)
		require.Len(t, trail.Records, 2)
		assert.Equal(t, t1e2.ID, trail.Records[0].ID)

		_, err = env.service.QueryAudit(ctx, &QueryAuditParams{TenantID: 1, ReviewedFrom: &lastReviewAt, ReviewedTo: &firstReviewAt})
		assert.ErrorIs(t, err, ErrApprovalParamInvalid)
	})

	t.Run("summary 只统计返回的这一页", func(t *testing.T) {
		trail, err := env.service.QueryAudit(ctx, &QueryAuditParams{TenantID: 1, Limit: 1})
		require.NoError(t, err)
		require.Len(t, trail.Records, 1)
		assert.Equal(t, 1, trail.Summary.Total)
		assert.Equal(t, map[EntityType]int{EntityTypeExercise: 1}, trail.Summary.ByEntityType)
	})

	t.Run("没有记录", func(t *testing.T) {
		trail, err := env.service.QueryAudit(ctx, &QueryAuditParams{TenantID: 3})
		require.NoError(t, err)
		assert.Empty(t, trail.Records)
		assert.Equal(t, 0, trail.Summary.Total)
		assert.NotNil(t, trail.Summary.ByEntityType)
	})
}
