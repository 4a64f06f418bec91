// Package tests 审核流程的端到端测试: 真实的 sqlite, 真实的内容实体副作用。
//
// 此包位于 internal/ 目录下, 外部项目无法导入。
//
// 📋 测试内容
//   - 提交 -> 审核 -> 修改实体 的完整流程
//   - 重复审核, 并发审核
//   - 待审核队列和审核记录的隔离
//   - 多租户隔离
//   - 副作用失败之后的重试和补偿任务
//
// 🚀 运行测试
//
//	go test ./internal/tests/...
package tests
