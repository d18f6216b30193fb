// Copyright (c) tokenmeter Authors.
// Licensed under the MIT License.

/*
Package types 提供 tokenmeter 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 llm/tokenizer、accounting、
client、api 等上层模块提供统一的类型契约，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系（MODEL_FETCH、MODEL_FORMAT、COUNTING_ERROR 等）
  - CountRequest / CountResult — Token 计数服务的请求与响应
  - FileTokenCount    — 单个附件的 Token 数
  - HistoryReport     — 远端聊天历史及其预计算 Token 数
  - Attachment        — 用户附件（名称、类型、大小、按需打开）
  - ChatRequest / ChatReply — 远端聊天服务的消息提交与回复
*/
package types
