// Package client 提供远端服务的 HTTP 客户端:
// ChatClient (聊天 / 历史 / 会话重置) 与 TokenClient (Token 计数服务)。
// 所有调用返回 (T, error), 不做自动重试。
package client
