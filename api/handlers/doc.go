// 版权所有 2024 FinFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 handlers 提供 FinFlow 的 HTTP 处理器：进度订阅的 WebSocket 握手、
进度快照查询、API key 换取会话、健康检查与版本信息。

握手端点在注册前咨询会话裁决方，被拒绝的连接以区分性的原因码立即
关闭（4401 会话无效、4429 连接数超限）；已注册的连接在任何退出路径
上恰好注销一次。
*/
package handlers
