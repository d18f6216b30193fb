// Copyright (c) tokenmeter Authors.
// Licensed under the MIT License.

// Package telemetry 初始化 OpenTelemetry SDK (OTLP gRPC 的 trace 与 metric exporter).
// 关闭时保持全局 noop provider, 不连接任何外部服务.
package telemetry
