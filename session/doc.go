// 版权所有 2024 FinFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 session 提供内存会话存储与会话令牌：API key 换取会话、TTL 过期、
活动刷新，以及 HS256 JWT 会话令牌的签发与校验。

Service 同时实现进度子系统握手时咨询的会话裁决接口
（progress.SessionAuthority）：IsValid 判定会话有效性，
ConnectionCap 给出单会话订阅连接上限。
*/
package session
