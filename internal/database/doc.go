// Copyright (c) tokenmeter Authors.
// Licensed under the MIT License.

/*
包 database 提供计数审计存储：基于 GORM 的连接池管理与
usage_records 表的读写。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 Ping、Stats、
    WithTransaction / WithTransactionRetry（死锁、序列化失败时指数退避）
    与后台健康检查；健康检查可通过 StatsRecorder 上报连接数。
  - Open / Dialector：按 postgres / mysql / sqlite 选择方言，
    sqlite 使用纯 Go 驱动。
  - UsageStore：Record / Recent / Get / Summary / Prune。
    记录只含数字与分词器名称，不保存提交的文本。

表结构由 internal/migration 管理。
*/
package database
