// Package types 定义 FinFlow 各组件共享的基础类型：统一错误码、结构化错误。
//
// 错误码覆盖进度跟踪状态机（INVALID_TRANSITION）、连接握手
// （SESSION_UNKNOWN / SESSION_EXPIRED / CONNECTION_CAP_EXCEEDED）、
// 投递链路（SEND_FAILURE / BACKLOG_OVERFLOW）以及通用 API 错误。
package types
