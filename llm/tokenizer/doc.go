// Copyright (c) tokenmeter Authors.
// Licensed under the MIT License.

/*
Package tokenizer 实现客户端 BPE 分词器与统一的 Token 计数接口。

# 概述

merge table 从远端或本地文件加载 (Loader, 同一进程内只加载一次),
由预分词器 (Splitter) 按正则把文本切成 chunk, 再对每个 chunk
执行 byte-pair merge 得到 token id。merge 永远不跨越 chunk 边界。

# 核心类型

  - MergeTable   — 字节序列 → rank 映射, 同时持有编译后的切分正则
  - Loader       — 单飞 (singleflight) 加载与缓存 MergeTable
  - Splitter     — 基于 regexp2 的预分词器, 支持 lookahead 与 \p{L}
  - BPETokenizer — merge 循环: 短 chunk 逐轮扫描, 长 chunk 使用堆
  - TiktokenTokenizer / EstimatorTokenizer — 离线后端

找不到 rank 的 byte group 会被丢弃并记录 Warn 日志, 计数因此可能偏低。
*/
package tokenizer
