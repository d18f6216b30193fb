// Copyright (c) tokenmeter Authors.
// Licensed under the MIT License.

/*
Package accounting 维护聊天会话的实时 Token 统计。

# 概述

Pipeline 在输入或附件变化后去抖 (默认 300ms) 触发重算, 每次重算带有
递增的 generation, 只有最新 generation 的结果会被应用; 较慢的旧结果
直接丢弃。Total = prompt + Σfiles + history 在同一次状态转换中重新计算。

Session 基于 Snapshot.CanSend 控制发送: 计数中、计数失败或超出上限时
拒绝发送 (fail-closed)。

# 核心类型

  - Pipeline     — 去抖、generation 过滤、签名幂等、观察者通知
  - Snapshot     — 不可变状态快照, 带单调递增的 Version
  - Counter      — 计数后端 (LocalCounter 或远端 client.TokenClient)
  - Session      — 发送门控、裁剪历史重发、新会话
*/
package accounting
