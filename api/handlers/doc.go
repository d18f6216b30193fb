// Copyright (c) tokenmeter Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 tokenmeter HTTP API 的请求处理器实现。

# 概述

handlers 包实现计数服务的全部端点: 一次性计数、合并表下发、
WebSocket 实时计数、审计查询、健康检查, 以及统一的响应/错误处理。
所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - EngineHolder   — 当前计数后端; 模型加载前为空, 服务降级为 503
  - TokenHandler   — POST /api/v1/tokens/count, 模型下发, 后端信息, 审计查询
  - StreamHandler  — GET /api/v1/tokens/stream, 每个连接一个 accounting.Pipeline
  - HealthHandler  — /health, /healthz, /ready, /version
  - Response       — 统一 JSON 响应结构 (success + data + error + timestamp)
  - ErrorInfo      — 结构化错误信息, 含 code、message、retryable

# 实时计数协议

客户端发送 StreamFrame:

	{"type":"text","text":"..."}
	{"type":"files","files":[{"name":"a.go","content":"..."}]}
	{"type":"remove_file","name":"a.go"}
	{"type":"reset"}
	{"type":"recompute"}

服务端在每次状态变化后推送 accounting.Snapshot 的 JSON; 非法帧得到
{"type":"error","error":{...}}, 连接保持打开。连接关闭时写一条
source=stream 的审计记录。
*/
package handlers
