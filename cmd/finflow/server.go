package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/finflow/api/handlers"
	"github.com/BaSui01/finflow/config"
	"github.com/BaSui01/finflow/internal/metrics"
	"github.com/BaSui01/finflow/internal/pubsub"
	"github.com/BaSui01/finflow/internal/server"
	"github.com/BaSui01/finflow/progress"
	"github.com/BaSui01/finflow/session"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 FinFlow 的主服务器：显式构造 Registry/Bridge/pubsub，不用全局状态
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 核心组件
	collector *metrics.Collector
	sessions  *session.Service
	registry  *progress.Registry
	bridge    *progress.Bridge
	redis     *pubsub.RedisBroadcaster

	// Handlers
	healthHandler   *handlers.HealthHandler
	authHandler     *handlers.AuthHandler
	progressHandler *handlers.ProgressHandler
	statusHandler   *handlers.StatusHandler

	// 后台 goroutine 生命周期
	group     *errgroup.Group
	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.group, s.runCtx = errgroup.WithContext(s.runCtx)

	// 1. 初始化指标收集器
	s.collector = metrics.NewCollector("finflow", s.logger)

	// 2. 初始化核心组件
	if err := s.initCore(); err != nil {
		return fmt.Errorf("failed to init core components: %w", err)
	}

	// 3. 初始化 Handlers
	s.initHandlers()

	// 4. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("redis_fanout", s.cfg.Redis.Enabled),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initCore 构造 会话服务 → 注册表 → (可选 Redis 扇出) → 投递桥 的依赖链
func (s *Server) initCore() error {
	s.sessions = session.NewService(s.cfg.Session, s.logger)
	s.registry = progress.NewRegistry(s.sessions, s.cfg.Progress.Registry, s.collector, s.logger)

	// 默认进程内扇出；启用 Redis 后快照先发布到频道，再由订阅循环回注本地注册表
	var broadcaster progress.Broadcaster = s.registry
	if s.cfg.Redis.Enabled {
		rb, err := pubsub.NewRedisBroadcaster(pubsub.Config{
			Addr:          s.cfg.Redis.Addr,
			Password:      s.cfg.Redis.Password,
			DB:            s.cfg.Redis.DB,
			PoolSize:      s.cfg.Redis.PoolSize,
			MinIdleConns:  s.cfg.Redis.MinIdleConns,
			ChannelPrefix: s.cfg.Redis.ChannelPrefix,
		}, s.registry, s.logger)
		if err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		s.redis = rb
		broadcaster = rb
		s.group.Go(func() error {
			return rb.Run(s.runCtx)
		})
		s.logger.Info("Redis fanout enabled", zap.String("addr", s.cfg.Redis.Addr))
	}

	s.bridge = progress.NewBridge(broadcaster, s.cfg.Progress.Bridge, s.collector, s.logger)
	s.registry.SetNotifier(s.bridge)

	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.authHandler = handlers.NewAuthHandler(s.sessions, s.logger)
	s.statusHandler = handlers.NewStatusHandler(s.registry, s.logger)
	s.progressHandler = handlers.NewProgressHandler(s.registry, s.sessions, handlers.WSConfig{
		IdleTimeout:  s.cfg.Progress.IdleTimeout,
		PingInterval: s.cfg.Progress.PingInterval,
	}, s.logger)

	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// API 路由
	// ========================================
	mux.HandleFunc("POST /auth/session", s.authHandler.HandleCreateSession)
	mux.HandleFunc("GET /ws/progress/{session_id}", s.progressHandler.HandleSubscribe)

	// 进度快照需要有效会话（Bearer 令牌或 X-Session-ID 头）
	sessionAuth := SessionAuth(s.sessions, s.logger)
	mux.Handle("GET /api/progress/{transaction_id}", sessionAuth(http.HandlerFunc(s.statusHandler.HandleSnapshot)))

	// ========================================
	// 构建中间件链
	// ========================================
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		RateLimiter(s.runCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	// WriteTimeout 保持 0：WebSocket 连接是长连接，不能被写超时切断
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		s.logger.Info("Metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 1. 关闭 HTTP 服务器（停止接收新握手）
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭所有订阅连接并停止投递桥
	if s.registry != nil {
		s.registry.Shutdown()
	}
	if s.bridge != nil {
		s.bridge.Stop()
	}

	// 3. 停止 Redis 订阅循环
	s.runCancel()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Redis shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 5. 等待后台 goroutine 退出
	if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("Background worker error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
}
