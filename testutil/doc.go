/*
Package testutil 提供 FinFlow 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue / WaitFor / WaitForChannel，
    支持超时轮询等待条件满足
  - 数据工具: MustJSON / MustParseJSON，简化测试数据构造
  - 流式辅助: CollectUpdates，用于订阅端进度推送测试

# 使用示例

	ctx := testutil.TestContext(t)
	testutil.AssertEventuallyTrue(t, func() bool {
		return registry.ConnectionCount("sess-1") == 1
	}, time.Second)
*/
package testutil
