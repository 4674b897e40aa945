// Copyright (c) FinFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 FinFlow 服务端程序入口。

# 概述

cmd/finflow 是 FinFlow 进度广播服务的可执行入口，提供进度订阅
WebSocket、进度快照查询、会话签发、健康检查和版本查询等能力。
程序支持 YAML 配置文件加载、结构化日志（zap）、Prometheus 指标
采集以及可选的 Redis 跨进程扇出。

# 核心类型

  - Server           — 主服务器，管理 HTTP、Metrics 双端口及优雅关闭
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 中间件链：Recovery、RequestID、RequestLogger、MetricsMiddleware、
    RateLimiter（基于 IP）、SessionAuth（Bearer JWT / X-Session-ID）
  - 依赖链装配：会话服务 → 连接注册表 → 投递桥 →（可选）Redis 扇出
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 关闭 HTTP → 关闭订阅连接 → 停止投递桥 →
    停止 Redis 订阅 → 关闭 Metrics → Wait
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
