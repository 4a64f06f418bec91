// Package approval 多租户内容审核流程。
//
// 教练提交的内容(动作, 训练计划, 营养计划)在生效之前需要审核。
// 每次提交创建一条 pending 的审核流程, 审核人给出 approved/rejected 结论,
// 结论落库之后再修改对应的内容实体(副作用)。
//
// 主要特性：
//   - 状态只会 pending -> approved/rejected, 结束之后不会再变
//   - 并发审核只有一个会成功, 其他的返回 *InvalidStateError
//   - 同一个实体同时只有一个 pending 的审核流程(唯一索引)
//   - 副作用失败不回滚审核结论, 可以手动重试或者由补偿任务重试
//   - 所有读写都按租户隔离
//   - 支持 GORM(MySQL, SQLite), 本地锁和分布式锁(Redis)
//
// 基础使用示例:
//
//	db, _ := gorm.Open(sqlite.Open("approval.db"), &gorm.Config{TranslateError: true})
//	approval.AutoMigrate(db)
//
//	dispatcher := approval.NewDispatcher()
//	dispatcher.MustRegister(approval.EntityTypeExercise, approval.SideEffectFunc(
//	    func(ctx context.Context, req *approval.SideEffectReq) error {
//	        // 根据 req.Outcome 修改动作状态, 需要幂等
//	        return nil
//	    }))
//
//	service := approval.NewApprovalService(approval.NewApprovalRepo(db), dispatcher, approval.NewLocalApprovalLock())
//	w, _ := service.Submit(ctx, &approval.SubmitReq{TenantID: 1, EntityType: approval.EntityTypeExercise, EntityID: "E1", SubmittedBy: 11})
//	w, err := service.Approve(ctx, 1, w.ID, 21, approval.String("looks good"))
//	if errors.Is(err, approval.ErrApprovalSideEffectFailed) {
//	    // 结论已经保存, 副作用稍后重试
//	}
package approval
