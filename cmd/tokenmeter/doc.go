// Copyright (c) tokenmeter Authors.
// Licensed under the MIT License.

/*
Package main 提供 tokenmeter 服务端与命令行入口。

# 概述

cmd/tokenmeter 启动 Token 计数服务, 也可以在本地直接统计文本与文件的
Token 数. 配置来自 YAML 文件与 TOKENMETER_ 前缀的环境变量.

# 子命令

  - serve    启动 HTTP 与 Metrics 双端口
  - count    统计 --text 与文件参数, 超出上限时退出码为 2
  - migrate  审计库 Schema 迁移 (golang-migrate)
  - health   探测 /health 或 /ready
  - version  构建信息 (ldflags 注入)

# 路由

	GET  /health /healthz /ready /version
	POST /api/v1/tokens/count
	GET  /api/v1/tokens/stream          WebSocket 实时计数
	GET  /api/v1/tokens/usage           审计记录
	GET  /api/v1/tokens/usage/summary   审计汇总
	GET  /api/v1/tokenizer              分词器信息
	GET  /api/v1/tokenizer/model        合并表导出

# 中间件链

由外到内: Recovery, RequestID, OTelTracing, SecurityHeaders, Metrics,
RequestLogger, CORS, RateLimiter (按 IP), Authenticate (API Key 或 JWT).
健康检查路径不做认证.

# 启动与关闭

模型在后台按指数退避加载, 加载完成前 /ready 返回 503, 计数接口返回
SERVICE_UNAVAILABLE. Redis 不可用时关闭计数缓存; 数据库未配置时不记录审计.

关闭顺序: 后台任务 → HTTP → Metrics → 审计写入队列 → 数据库 → Redis → OTel.
*/
package main
