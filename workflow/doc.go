// 版权所有 2024 FinFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 workflow 提供链式工作流执行与进度上报的接合点。

工作流在 worker goroutine 里同步阻塞地执行；TrackedStep 在步骤边界
驱动 progress.Tracker（开始、子任务、完成/失败），Runner 负责事务
创建与运行终态标记。进度的网络投递对工作流完全透明。
*/
package workflow
