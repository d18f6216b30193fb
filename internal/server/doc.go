// Copyright (c) tokenmeter Authors.
// Licensed under the MIT License.

/*
包 server 管理 HTTP/HTTPS 服务器的生命周期: 非阻塞启动、优雅关闭与信号监听。

# 核心类型

  - Manager：封装 http.Server 与 net.Listener，提供 Start / Shutdown /
    WaitForShutdown / Errors / Addr。Config.TLS 非空时监听器包装为 TLS。
  - Config：监听地址、超时与请求头大小；FromServerConfig 由
    config.ServerConfig 构造。

tokenmeter serve 为 API 与 /metrics 各启动一个 Manager。
*/
package server
