// Copyright (c) tokenmeter Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、分词器、实时计数、缓存与数据库五个维度。

# 概述

Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册到默认 Registry，指标按 namespace 隔离。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 分词器指标：模型加载次数与耗时、被丢弃的字节组、计数 Token 总量。
    RecordModelLoad 与 RecordDroppedGroups 可直接作为 tokenizer 的钩子。
  - 实时计数指标：重算次数与耗时（按 outcome）、过期结果丢弃数、活跃会话数。
    Collector 实现 accounting.MetricsRecorder。
  - 缓存指标：命中与未命中计数，按 cache_type 分组。
  - 数据库指标：连接数 Gauge 与查询耗时 Histogram。
*/
package metrics
