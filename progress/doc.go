// 版权所有 2024 FinFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 progress 实现工作流运行的实时进度广播：让订阅某个会话的客户端以
亚秒级延迟观察到当前正在执行的 agent、其子任务以及已开始/完成/失败
步骤的有序时间线，而工作流本身同步执行、完全不依赖任何网络连接。

# 核心类型

  - Record / Update：一次运行的进度记录与推送快照。事件序列只追加
    不修改；execution_order 条目按开始顺序追加，只从 running 迁移到
    终态；updated_at 单调不减。
  - Tracker：独占持有一份 Record，串行化全部变更并在每次成功变更后
    向 Notifier 发出恰好一次通知。违反状态机的调用返回
    INVALID_TRANSITION 且不改动记录。
  - Bridge：同步执行域与异步投递域之间唯一的交汇点。有界队列加单个
    dispatcher goroutine，Notify 有界时间返回；溢出时丢弃同事务最旧
    的快照（有损但不阻塞）。
  - Registry：会话到连接集合、事务到跟踪器两份共享状态的唯一持有方。
    注册校验会话有效性与连接上限；广播只序列化一次，单连接失败只
    移除该连接；终态加宽限期后自动清理事务状态。

# 投递语义

同事务的快照按 Notify 顺序投递；跨事务、跨会话不保证顺序。投递是
至多一次、尽力而为：断线期间的推送不可恢复，客户端重连后应通过
快照接口重新对齐状态。
*/
package progress
