// Package main provides the AgentFlow server implementation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/api/handlers"
	"github.com/BaSui01/agentflow/config"
	"github.com/BaSui01/agentflow/internal/database"
	"github.com/BaSui01/agentflow/internal/metrics"
	"github.com/BaSui01/agentflow/internal/server"
	"github.com/BaSui01/agentflow/internal/telemetry"
	"github.com/BaSui01/agentflow/llm/factory"
	"github.com/BaSui01/agentflow/llm/idempotency"
	"github.com/BaSui01/agentflow/orchestrator"
	"github.com/BaSui01/agentflow/orchestrator/asyncjob"
	"github.com/BaSui01/agentflow/orchestrator/plugin"
	"github.com/BaSui01/agentflow/orchestrator/plugin/quota"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// 🖥️ Server 结构（重构版）
// =============================================================================

// Server 是 AgentFlow 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	otel       *telemetry.Providers
	db         *database.PoolManager
	redis      *redis.Client

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler    *handlers.HealthHandler
	inferenceHandler *handlers.InferenceHandler
	apiKeyHandler    *handlers.APIKeyHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 推理编排（Provider Registry / Model Router / Execution Orchestrator）
	bootstrap    *orchestrator.Bootstrap
	asyncManager *asyncjob.Manager

	// 热更新管理器
	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers, db *database.PoolManager) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
		db:         db,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("agentflow", s.logger)

	// 2. 初始化推理编排子系统（Provider Registry -> Circuit Breaker ->
	//    Plugin Registry -> Model Router -> Execution Orchestrator ->
	//    Async Job Manager）
	ctx := context.Background()
	if err := s.initOrchestrator(ctx); err != nil {
		return fmt.Errorf("failed to init orchestrator: %w", err)
	}

	// 3. 初始化 Handlers
	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	// 4. 初始化热更新管理器
	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}

	// 5. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 6. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// =============================================================================
// 🧭 推理编排初始化
// =============================================================================

// redisClient lazily connects to the configured Redis instance, caching
// the client on s.redis for reuse by the Async Job Manager's JobStore,
// the idempotency manager, and the quota store. Returns nil (not an
// error) when no Redis address is configured or the instance is
// unreachable, in which case callers fall back to in-process state.
func (s *Server) redisClient() *redis.Client {
	if s.redis != nil {
		return s.redis
	}
	if s.cfg.Redis.Addr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         s.cfg.Redis.Addr,
		Password:     s.cfg.Redis.Password,
		DB:           s.cfg.Redis.DB,
		PoolSize:     s.cfg.Redis.PoolSize,
		MinIdleConns: s.cfg.Redis.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn("redis unavailable, falling back to in-process state", zap.Error(err))
		_ = client.Close()
		return nil
	}

	s.redis = client
	return client
}

// initOrchestrator wires the Provider Registry, Circuit Breaker Manager,
// Plugin Registry, Model Router, and Execution Orchestrator via
// orchestrator.Build, then registers the configured vendor providers and
// built-in plugins before starting health polling and the Async Job
// Manager's worker pool.
func (s *Server) initOrchestrator(ctx context.Context) error {
	orchMetrics := metrics.NewOrchestratorSink("agentflow")
	bootstrapCfg := toBootstrapConfig(s.cfg.Orchestrator)
	s.bootstrap = orchestrator.Build(ctx, bootstrapCfg, orchMetrics, s.logger)

	regCfg := factory.RegistryConfig{Default: s.cfg.LLM.DefaultProvider}
	if len(s.cfg.LLM.Providers) > 0 {
		regCfg.Providers = make(map[string]factory.ProviderConfig, len(s.cfg.LLM.Providers))
		for name, p := range s.cfg.LLM.Providers {
			regCfg.Providers[name] = factory.ProviderConfig{
				APIKey:  p.APIKey,
				APIKeys: p.APIKeys,
				BaseURL: p.BaseURL,
				Model:   p.Model,
				Timeout: p.Timeout,
				Extra:   p.Extra,
			}
		}
	} else if s.cfg.LLM.DefaultProvider != "" {
		regCfg.Providers = map[string]factory.ProviderConfig{
			s.cfg.LLM.DefaultProvider: {
				APIKey:  s.cfg.LLM.APIKey,
				BaseURL: s.cfg.LLM.BaseURL,
				Timeout: s.cfg.LLM.Timeout,
			},
		}
	}

	reg, err := factory.NewInferenceRegistryFromConfig(ctx, regCfg, s.logger)
	if err != nil {
		return fmt.Errorf("failed to build provider registry: %w", err)
	}
	for _, id := range reg.List() {
		if p, ok := reg.Get(id); ok {
			s.bootstrap.Registry.Register(ctx, p)
		}
	}
	s.bootstrap.Registry.StartHealthPolling(ctx)

	redisClient := s.redisClient()

	if err := s.registerBuiltinPlugins(ctx, redisClient); err != nil {
		return fmt.Errorf("failed to register plugins: %w", err)
	}

	asyncCfg := toAsyncConfig(s.cfg.Orchestrator.Async)
	jobStore := asyncjob.NewMemoryStore()
	if redisClient != nil {
		jobStore = asyncjob.NewRedisStore(redisClient, "agentflow:asyncjob:", asyncCfg.JobTTL)
		asyncCfg.Idempotency = idempotency.NewRedisManager(redisClient, "agentflow:idempotency:", s.logger)
		s.logger.Info("async job store and idempotency manager backed by Redis", zap.String("addr", s.cfg.Redis.Addr))
	} else {
		asyncCfg.Idempotency = idempotency.NewMemoryManager(s.logger)
	}
	s.asyncManager = asyncjob.New(asyncCfg, jobStore, s.bootstrap.Engine, s.logger)

	return nil
}

// registerBuiltinPlugins wires the spec's four built-in plugins
// (quota, input/output token counting, tool schema validation, audit
// log) into the Plugin Registry and activates all of them. When
// redisClient is non-nil, quota tracking is shared across instances via
// quota.RedisStore instead of the process-local MemoryStore.
func (s *Server) registerBuiltinPlugins(ctx context.Context, redisClient *redis.Client) error {
	var quotaStore plugin.QuotaStore
	if redisClient != nil {
		quotaStore = quota.NewRedisStore(redisClient, "agentflow:quota:", s.cfg.Orchestrator.Async.QuotaLimit, time.Hour)
	} else {
		quotaStore = quota.NewMemoryStore(s.cfg.Orchestrator.Async.QuotaLimit) // 0 = no enforcement until configured
	}
	auditSink := quota.NewLogSink(s.logger)

	plugins := []plugin.Plugin{
		plugin.NewQuotaPlugin(quotaStore, 10),
		plugin.NewTokenCountPlugin(quotaStore, false, 20),
		plugin.NewToolSchemaPlugin(10),
		plugin.NewTokenCountPlugin(quotaStore, true, 10),
		plugin.NewAuditLogPlugin(auditSink, 10),
	}
	for _, p := range plugins {
		if err := s.bootstrap.Plugins.Register(p); err != nil {
			return err
		}
	}
	return s.bootstrap.Plugins.InitAndActivateAll(ctx)
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() error {
	// 健康检查 handler
	s.healthHandler = handlers.NewHealthHandler(s.logger)

	// 推理编排 handler
	s.inferenceHandler = handlers.NewInferenceHandler(s.bootstrap.Engine, s.asyncManager, s.logger)

	// API Key 管理 handler（仅在数据库可用时启用）
	if s.db != nil {
		s.apiKeyHandler = handlers.NewAPIKeyHandler(s.db.DB(), s.logger)
	}

	s.logger.Info("Handlers initialized")
	return nil
}

// apiKeyRoutes 按 HTTP 方法分发 /api/v1/providers/{id}/api-keys
func (s *Server) apiKeyRoutes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.apiKeyHandler.HandleListAPIKeys(w, r)
	case http.MethodPost:
		s.apiKeyHandler.HandleCreateAPIKey(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// apiKeyKeyRoutes 按 HTTP 方法分发 /api/v1/providers/{id}/api-keys/{keyId}
func (s *Server) apiKeyKeyRoutes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		s.apiKeyHandler.HandleUpdateAPIKey(w, r)
	case http.MethodDelete:
		s.apiKeyHandler.HandleDeleteAPIKey(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// initHotReloadManager 初始化热更新管理器
func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}

	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	// 注册配置变更回调
	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("Configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})

	// 注册配置重载回调
	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.logger.Info("Configuration reloaded")
		s.cfg = newConfig
	})

	// 启动热更新管理器
	ctx := context.Background()
	if err := s.hotReloadManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}

	// 创建配置 API 处理器
	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager)

	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器（使用新的 handlers）
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点（使用新的 HealthHandler）
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 推理编排 API
	// ========================================
	mux.HandleFunc("/v1/inference/completions", s.inferenceHandler.HandleCompletion)
	mux.HandleFunc("/v1/inference/completions/stream", s.inferenceHandler.HandleStream)
	mux.HandleFunc("/v1/inference/async", s.inferenceHandler.HandleAsyncSubmit)
	mux.HandleFunc("/v1/inference/async/", s.inferenceHandler.HandleAsyncStatus)
	mux.HandleFunc("/v1/providers", s.inferenceHandler.HandleListProviders)
	mux.HandleFunc("/v1/providers/", s.inferenceHandler.HandleResetCircuit)
	mux.HandleFunc("/v1/plugins", s.inferenceHandler.HandleListPlugins)
	mux.HandleFunc("/v1/plugins/", s.inferenceHandler.HandleReloadPlugin)

	// ========================================
	// API Key 管理 API（数据库支持的 Provider/API Key CRUD，仅在数据库可用时注册）
	// ========================================
	if s.apiKeyHandler != nil {
		mux.HandleFunc("/api/v1/providers", s.apiKeyHandler.HandleListProviders)
		mux.HandleFunc("/api/v1/providers/{id}/api-keys", s.apiKeyRoutes)
		mux.HandleFunc("/api/v1/providers/{id}/api-keys/stats", s.apiKeyHandler.HandleAPIKeyStats)
		mux.HandleFunc("/api/v1/providers/{id}/api-keys/{keyId}", s.apiKeyKeyRoutes)
	}

	// ========================================
	// 配置管理 API
	// ========================================
	if s.configAPIHandler != nil {
		s.configAPIHandler.RegisterRoutes(mux)
		s.logger.Info("Configuration API registered")
	}

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	handler := Chain(mux,
		Recovery(s.logger),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(context.Background(), s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.cfg.Server.AllowQueryAPIKey, s.logger),
	)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout, // 2x ReadTimeout
		MaxHeaderBytes:  1 << 20,                      // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
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
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
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
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 停止异步任务管理器与 Provider 健康轮询
	if s.asyncManager != nil {
		s.asyncManager.Stop()
	}
	if s.bootstrap != nil {
		s.bootstrap.Registry.Stop()
		if err := s.bootstrap.Plugins.ShutdownAll(ctx); err != nil {
			s.logger.Error("Plugin registry shutdown error", zap.Error(err))
		}
	}

	// 2. 停止热更新管理器
	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("Hot reload manager shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 5. 关闭 OpenTelemetry 和数据库连接
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Database pool close error", zap.Error(err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Redis client close error", zap.Error(err))
		}
	}

	// 6. 等待所有 goroutine 完成
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
