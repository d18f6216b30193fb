package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/BaSui01/tokenmeter/config"
)

var (
	// ErrServerClosed 在 Shutdown 之后再次 Start 时返回.
	ErrServerClosed = errors.New("server is closed")
	// ErrAlreadyStarted 重复 Start 时返回.
	ErrAlreadyStarted = errors.New("server already started")
)

// Manager 管理一个 http.Server 的监听、服务与优雅关闭.
type Manager struct {
	name     string
	server   *http.Server
	listener net.Listener
	errCh    chan error
	config   Config
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// Config 服务器配置
type Config struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" json:"max_header_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	// MaxConnections 为 0 时不限制并发连接.
	MaxConnections int `yaml:"max_connections" json:"max_connections"`
	// TLS 为 nil 时使用明文 HTTP.
	TLS *tls.Config `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

// FromServerConfig 由应用配置构造 port 上的监听配置.
// WriteTimeout 为 0 时不限制, WebSocket 长连接依赖这一点.
func FromServerConfig(cfg config.ServerConfig, port int) Config {
	c := DefaultConfig()
	c.Addr = fmt.Sprintf(":%d", port)
	c.ReadTimeout = cfg.ReadTimeout
	c.WriteTimeout = cfg.WriteTimeout
	if cfg.ReadTimeout > 0 {
		c.IdleTimeout = 2 * cfg.ReadTimeout
	}
	if cfg.ShutdownTimeout > 0 {
		c.ShutdownTimeout = cfg.ShutdownTimeout
	}
	c.MaxConnections = cfg.MaxConnections
	return c
}

// NewManager 创建服务器管理器, name 用于日志区分 (http / metrics).
func NewManager(name string, handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		name: name,
		server: &http.Server{
			Addr:           cfg.Addr,
			Handler:        handler,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
			TLSConfig:      cfg.TLS,
		},
		errCh:  make(chan error, 1),
		config: cfg,
		logger: logger.With(zap.String("component", "server"), zap.String("server", name)),
	}
}

// Start 非阻塞启动. 配置了 TLS 时监听器包装为 TLS.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrServerClosed
	}
	if m.listener != nil {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}
	if m.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, m.config.MaxConnections)
	}
	if m.config.TLS != nil {
		ln = tls.NewListener(ln, m.config.TLS)
	}
	m.listener = ln

	m.logger.Info("server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", m.config.TLS != nil),
		zap.Int("max_connections", m.config.MaxConnections))

	go m.serve(ln)
	return nil
}

func (m *Manager) serve(ln net.Listener) {
	if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("server failed", zap.Error(err))
		select {
		case m.errCh <- err:
		default:
		}
	}
}

// Shutdown 在 ShutdownTimeout 内排空请求. 重复调用为空操作.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("server shutdown failed", zap.Error(err))
		return err
	}
	m.listener = nil
	m.logger.Info("server stopped")
	return nil
}

// WaitForShutdown 阻塞直到收到 SIGINT/SIGTERM, ctx 结束, 或服务异常退出,
// 然后关闭服务器.
func (m *Manager) WaitForShutdown(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		m.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		m.logger.Info("context done, shutting down")
	case err := <-m.errCh:
		m.logger.Error("server exited unexpectedly", zap.Error(err))
	}

	if err := m.Shutdown(context.WithoutCancel(ctx)); err != nil {
		m.logger.Error("shutdown error", zap.Error(err))
	}
}

// Errors returns asynchronous serve errors.
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// Addr 返回实际监听地址; 未启动时返回配置地址.
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning 在 Shutdown 之前返回 true.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}
