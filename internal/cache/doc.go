// Copyright (c) tokenmeter Authors.
// Licensed under the MIT License.

/*
包 cache 提供基于 Redis 的缓存能力，当前用于 Token 计数结果的跨进程复用。

# 核心类型

  - Manager：持有 go-redis 客户端与连接池，提供 Get/Set/Delete/Expire、
    GetJSON/SetJSON 以及后台健康检查。
  - TokenCountCache：以分词器名称（含 merge table 指纹）与文本 SHA-256
    组成键，缓存单段文本的 Token 数；实现 accounting.CountCache。
    Redis 故障按未命中处理，计数回退到本地分词。

# 错误语义

ErrCacheMiss 表示键不存在，ErrClosed 表示 Manager 已关闭。
*/
package cache
