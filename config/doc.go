// Package config 提供 tokenmeter 的配置管理功能。
//
// 配置来源依次为默认值、YAML 文件与 TOKENMETER_* 环境变量，
// 覆盖服务、分词器、实时计数、远端服务、缓存、数据库、日志与遥测。
package config
