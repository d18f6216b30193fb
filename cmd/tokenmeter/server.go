package main

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/tokenmeter/accounting"
	"github.com/BaSui01/tokenmeter/api/handlers"
	"github.com/BaSui01/tokenmeter/client"
	"github.com/BaSui01/tokenmeter/config"
	"github.com/BaSui01/tokenmeter/internal/cache"
	"github.com/BaSui01/tokenmeter/internal/database"
	"github.com/BaSui01/tokenmeter/internal/metrics"
	"github.com/BaSui01/tokenmeter/internal/migration"
	"github.com/BaSui01/tokenmeter/internal/pool"
	"github.com/BaSui01/tokenmeter/internal/server"
	"github.com/BaSui01/tokenmeter/internal/telemetry"
	"github.com/BaSui01/tokenmeter/internal/tlsutil"
)

// API 路由
const (
	routeCount        = "/api/v1/tokens/count"
	routeStream       = "/api/v1/tokens/stream"
	routeUsage        = "/api/v1/tokens/usage"
	routeUsageSummary = "/api/v1/tokens/usage/summary"
	routeTokenizer    = "/api/v1/tokenizer"
	routeModel        = "/api/v1/tokenizer/model"
)

// 无需认证的路径
var publicPaths = []string{"/health", "/healthz", "/ready", "/version"}

// retentionInterval 审计清理周期
const retentionInterval = time.Hour

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 是 tokenmeter 的主服务器
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	collector *metrics.Collector
	otel      *telemetry.Providers

	httpManager    *server.Manager
	metricsManager *server.Manager

	engines *handlers.EngineHolder
	health  *handlers.HealthHandler
	tokens  *handlers.TokenHandler
	stream  *handlers.StreamHandler

	redis *cache.Manager
	db    *database.PoolManager
	usage *usageWriter

	// 后台任务 (模型加载, 审计清理, 限流清理) 的生命周期
	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer 创建服务器. collector 与 otel 可为 nil.
func NewServer(cfg *config.Config, logger *zap.Logger, collector *metrics.Collector, otel *telemetry.Providers) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		otel:      otel,
		engines:   handlers.NewEngineHolder(),
		bgCtx:     ctx,
		bgCancel:  cancel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 初始化依赖并启动 HTTP 与 Metrics 服务器. 分词模型在后台加载,
// 加载完成前计数接口返回 503.
func (s *Server) Start() error {
	if s.collector == nil {
		s.collector = metrics.NewCollector("tokenmeter", s.logger)
	}

	s.initCache()
	if err := s.initStorage(); err != nil {
		return fmt.Errorf("failed to init storage: %w", err)
	}
	s.initHandlers()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		loadEngine(s.bgCtx, s.engineBuilder(), s.engines, s.logger)
	}()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.String("metrics_addr", s.metricsManager.Addr()),
		zap.String("backend", s.cfg.Tokenizer.Backend),
		zap.Bool("count_cache", s.redis != nil),
		zap.Bool("usage_audit", s.usage != nil))
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initCache 连接 Redis. 不可用时降级为无缓存计数.
func (s *Server) initCache() {
	rc := s.cfg.Redis
	if !rc.Enabled {
		return
	}
	cc := cache.DefaultConfig()
	cc.Addr = rc.Addr
	cc.Password = rc.Password
	cc.DB = rc.DB
	if rc.PoolSize > 0 {
		cc.PoolSize = rc.PoolSize
	}
	if rc.MinIdleConns > 0 {
		cc.MinIdleConns = rc.MinIdleConns
	}
	if rc.CountTTL > 0 {
		cc.DefaultTTL = rc.CountTTL
	}
	m, err := cache.NewManager(cc, s.logger)
	if err != nil {
		s.logger.Warn("Redis not available, token count cache disabled", zap.Error(err))
		return
	}
	s.redis = m
}

// initStorage 打开审计数据库. Driver 为空时不记录审计.
func (s *Server) initStorage() error {
	dc := s.cfg.Database
	if dc.Driver == "" {
		s.logger.Info("Database not configured, usage audit disabled")
		return nil
	}

	if dc.AutoMigrate {
		if err := runAutoMigrate(s.bgCtx, dc, s.logger); err != nil {
			return err
		}
	}

	db, err := database.Open(dc, s.logger, database.WithStatsRecorder(s.collector))
	if err != nil {
		return err
	}
	s.db = db
	store := database.NewUsageStore(db, s.logger)
	s.usage = newUsageWriter(store, pool.New("usage", pool.DefaultConfig(), s.logger))

	if dc.Retention > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			runRetention(s.bgCtx, store, dc.Retention, retentionInterval, s.logger)
		}()
	}
	return nil
}

func runAutoMigrate(ctx context.Context, dc config.DatabaseConfig, logger *zap.Logger) error {
	m, err := migration.NewMigratorFromDatabaseConfig(dc, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Server) engineBuilder() *engineBuilder {
	return &engineBuilder{
		cfg:       s.cfg.Tokenizer,
		redis:     s.redis,
		countTTL:  s.cfg.Redis.CountTTL,
		collector: s.collector,
		logger:    s.logger,
	}
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.health = handlers.NewHealthHandler(s.logger)
	s.health.RegisterCheck(s.engines)
	if s.db != nil {
		s.health.RegisterCheck(handlers.NewCheck("database", s.db.Ping))
	}
	if s.redis != nil {
		s.health.RegisterCheck(handlers.NewCheck("redis", s.redis.Ping))
	}

	tokenOpts := []handlers.TokenHandlerOption{handlers.WithTokenMetrics(s.collector)}
	streamOpts := []handlers.StreamOption{handlers.WithSessionMetrics(s.collector)}
	if s.usage != nil {
		tokenOpts = append(tokenOpts, handlers.WithUsageStore(s.usage))
		streamOpts = append(streamOpts, handlers.WithStreamUsage(s.usage))
	}
	if history := s.historySource(); history != nil {
		streamOpts = append(streamOpts, handlers.WithStreamHistory(history))
	}

	s.tokens = handlers.NewTokenHandler(s.engines, handlers.TokenHandlerConfig{
		TokenLimit:   s.cfg.Accounting.TokenLimit,
		MaxBodyBytes: s.cfg.Server.MaxBodyBytes,
	}, s.logger, tokenOpts...)

	s.stream = handlers.NewStreamHandler(s.engines, handlers.StreamConfig{
		Pipeline:       s.cfg.Accounting.PipelineConfig(),
		OriginPatterns: s.cfg.Server.CORSAllowedOrigins,
		ReadLimit:      s.cfg.Server.MaxBodyBytes,
	}, s.logger, streamOpts...)

	s.logger.Info("Handlers initialized")
}

// historySource 远端聊天历史, 未配置时返回 nil.
func (s *Server) historySource() accounting.HistorySource {
	rc := s.cfg.Remote
	if rc.ChatBaseURL == "" {
		return nil
	}
	return client.NewChatClient(client.Config{BaseURL: rc.ChatBaseURL, Timeout: rc.Timeout}, s.logger)
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 注册 API 与健康检查路由.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health.HandleHealth)
	mux.HandleFunc("GET /healthz", s.health.HandleHealth)
	mux.HandleFunc("GET /ready", s.health.HandleReady)
	mux.HandleFunc("GET /version", s.health.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST "+routeCount, s.tokens.HandleCount)
	mux.HandleFunc("GET "+routeStream, s.stream.HandleStream)
	mux.HandleFunc("GET "+routeUsage, s.tokens.HandleUsage)
	mux.HandleFunc("GET "+routeUsageSummary, s.tokens.HandleUsageSummary)
	mux.HandleFunc("GET "+routeTokenizer, s.tokens.HandleInfo)
	mux.HandleFunc("GET "+routeModel, s.tokens.HandleModel)
	return mux
}

// handler 组装中间件链, 第一个在最外层.
func (s *Server) handler() http.Handler {
	sc := s.cfg.Server
	return Chain(s.routes(),
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		SecurityHeaders(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(sc.CORSAllowedOrigins),
		RateLimiter(s.bgCtx, sc.RateLimitRPS, sc.RateLimitBurst, s.logger),
		Authenticate(authConfig{
			APIKeys:    sc.APIKeys,
			AllowQuery: sc.AllowQueryAPIKey,
			JWT:        s.cfg.JWT,
			SkipPaths:  publicPaths,
		}, s.logger),
	)
}

// startHTTPServer 启动 API 服务器, 配置了证书时启用 TLS.
func (s *Server) startHTTPServer() error {
	sc := s.cfg.Server
	serverConfig := server.FromServerConfig(sc, sc.HTTPPort)
	if sc.TLSCertFile != "" && sc.TLSKeyFile != "" {
		tlsCfg, err := tlsutil.ServerTLSConfig(sc.TLSCertFile, sc.TLSKeyFile)
		if err != nil {
			return err
		}
		serverConfig.TLS = tlsCfg
	}

	s.httpManager = server.NewManager("http", s.handler(), serverConfig, s.logger)
	return s.httpManager.Start()
}

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.FromServerConfig(s.cfg.Server, s.cfg.Server.MetricsPort)
	serverConfig.MaxConnections = 0
	s.metricsManager = server.NewManager("metrics", mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 阻塞到收到信号或 ctx 结束, 然后优雅关闭.
func (s *Server) WaitForShutdown(ctx context.Context) {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown(ctx)
	}
	s.Shutdown(context.WithoutCancel(ctx))
}

// Shutdown 按依赖逆序关闭: 后台任务, HTTP, Metrics, 审计队列, 存储, 遥测.
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("Starting graceful shutdown...")

	s.bgCancel()

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	s.wg.Wait()

	if s.usage != nil {
		flushCtx, cancel := context.WithTimeout(ctx, cmp.Or(s.cfg.Server.ShutdownTimeout, 10*time.Second))
		if err := s.usage.Close(flushCtx); err != nil {
			s.logger.Error("Usage writer flush error", zap.Error(err))
		}
		cancel()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Database close error", zap.Error(err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Redis close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
