// 版权所有 2024 FinFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的内部指标收集：HTTP 请求、订阅连接
注册/注销、会话扇出与单连接推送失败、投递桥的积压丢弃等。

Collector 同时实现 progress.RegistryMetrics 与 progress.BridgeMetrics，
每个实例持有独立的 prometheus.Registry，测试进程内可以并存多个实例。
*/
package metrics
