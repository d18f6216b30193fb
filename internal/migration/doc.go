// Copyright (c) tokenmeter Authors.
// Licensed under the MIT License.

/*
包 migration 管理计数审计库的 Schema 版本，支持 PostgreSQL、
MySQL 与 SQLite（纯 Go 驱动），基于 golang-migrate 实现。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌在 migrations/<dialect>/ 下，
当前仅有 usage_records 一张表。服务启动时可自动执行 Up，
也可以通过 "tokenmeter migrate" 子命令手动管理。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close。
  - CLI：面向终端的格式化输出，Run 按子命令名分派。
  - NewMigratorFromDatabaseConfig：从 config.DatabaseConfig 构造迁移器。
*/
package migration
