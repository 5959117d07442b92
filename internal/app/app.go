// Package app 提供信任决策服务的应用入口
//
// ========================================
// eidos-trust 服务对接总览
// ========================================
//
// ## 服务信息
// - 服务名: eidos-trust
// - HTTP 端口: 8090
// - 数据库: eidos_trust (PostgreSQL)
//
// ## 依赖服务
// - PostgreSQL: 评分, 信号, 规则, 处置, 告警, 审计持久化
// - Redis: 用户锁, HMAC 防重放, 告警去重, 规则失效广播, 任务锁
// - Kafka: 可选. 消费评分完成事件, 生产决策/处置/告警事件
//
// ## Kafka 主题
// - 消费: trust.risk-scored
// - 生产: trust.decisions, trust.enforcements, trust.alerts
//
// ## 上游对接
// 1. 业务服务在预订, 支付, 服务商注册前调用 POST /api/v1/evaluate
//   - 认证: X-HMAC-Signature + X-HMAC-Timestamp, 或 Bearer token
//   - 处理: decision=block 时拒绝操作, flag 时放行并人工复核
//
// 2. 评分服务完成评分后发送 trust.risk-scored
//   - 本服务据此触发规则与自动处置
//
// ========================================
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/cache"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/config"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/handler"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/jobs"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/kafka"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/middleware"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/router"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/rules"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/scheduler"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/service"
	"github.com/eidos-exchange/eidos/eidos-trust/migrations"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/migrate"
)

// App 信任决策服务应用
type App struct {
	cfg        *config.Config
	configPath string

	// 基础设施
	db          *gorm.DB
	redisClient redis.UniversalClient
	httpServer  *http.Server

	// Kafka
	kafkaProducer *kafka.Producer
	kafkaConsumer *kafka.Consumer

	switches  *config.Switches
	loader    *rules.DynamicRuleLoader
	audit     *service.AuditService
	scheduler *scheduler.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建应用实例. configPath 用于热更新安全开关
func New(cfg *config.Config, configPath string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		cfg:        cfg,
		configPath: configPath,
		switches:   config.SwitchesFromConfig(&cfg.Trust),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run 启动应用, HTTP 服务开始监听后返回
func (a *App) Run() error {
	// 1. 初始化数据库
	if err := a.initDB(); err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}

	// 2. 初始化 Redis
	if err := a.initRedis(); err != nil {
		return fmt.Errorf("failed to init redis: %w", err)
	}

	// 3. 初始化 Kafka 生产者, 失败时以无 Kafka 模式运行
	if err := a.initKafka(); err != nil {
		logger.Warn("failed to init kafka, running without kafka", zap.Error(err))
	}

	// 4. 组装服务并注册路由
	engine, err := a.initServices()
	if err != nil {
		return err
	}

	// 5. 配置热更新
	if a.cfg.Service.WatchConfig && a.configPath != "" {
		a.startWatcher()
	}

	// 6. 启动 HTTP 服务
	a.startHTTPServer(engine)
	return nil
}

// RollbackMigration 回滚一个迁移版本
func (a *App) RollbackMigration() error {
	if err := a.initDB(); err != nil {
		return err
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return migrate.NewMigrator(sqlDB, a.cfg.Service.Name, logger.L()).Rollback(migrations.FS, ".")
}

// Shutdown 优雅关闭
func (a *App) Shutdown(ctx context.Context) error {
	logger.Info("shutting down trust service...")

	// 关闭顺序: HTTP -> 定时任务 -> 消费者 -> 后台协程 -> 生产者 -> 数据库 -> 缓存
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			logger.Error("http server shutdown error", zap.Error(err))
		}
	}

	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	a.cancel()
	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Stop(); err != nil {
			logger.Warn("close kafka consumer failed", zap.Error(err))
		}
	}
	if a.loader != nil {
		a.loader.Stop()
	}
	a.wg.Wait()

	// 审计日志在 Stop 中落盘剩余条目
	if a.audit != nil {
		a.audit.Stop()
	}

	if a.kafkaProducer != nil {
		if err := a.kafkaProducer.Close(); err != nil {
			logger.Warn("close kafka producer failed", zap.Error(err))
		}
	}

	if a.db != nil {
		if sqlDB, _ := a.db.DB(); sqlDB != nil {
			sqlDB.Close()
		}
	}

	if a.redisClient != nil {
		a.redisClient.Close()
	}

	logger.Info("trust service stopped")
	return nil
}

// initDB 初始化数据库并执行迁移
func (a *App) initDB() error {
	db, err := NewDatabase(&a.cfg.Postgres)
	if err != nil {
		return err
	}
	a.db = db

	if !a.cfg.Postgres.AutoMigrate {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if err := migrate.NewMigrator(sqlDB, a.cfg.Service.Name, logger.L()).Up(migrations.FS, "."); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database migrated")
	return nil
}

// initRedis 初始化 Redis
func (a *App) initRedis() error {
	client, err := NewRedisClient(&a.cfg.Redis)
	if err != nil {
		return err
	}
	a.redisClient = client
	return nil
}

// initKafka 初始化 Kafka 生产者
func (a *App) initKafka() error {
	if !a.cfg.Kafka.Enabled || len(a.cfg.Kafka.Brokers) == 0 {
		logger.Info("kafka disabled")
		return nil
	}

	producer, err := kafka.NewProducer(&a.cfg.Kafka)
	if err != nil {
		return err
	}
	a.kafkaProducer = producer
	logger.Info("kafka producer initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

// initServices 组装仓储, 服务与处理器
func (a *App) initServices() (*gin.Engine, error) {
	// 仓储层
	scoreRepo := repository.NewScoreRepository(a.db)
	signalRepo := repository.NewSignalRepository(a.db)
	enforcementRepo := repository.NewEnforcementRepository(a.db)
	caseRepo := repository.NewCaseRepository(a.db)
	userRepo := repository.NewUserRepository(a.db)
	ruleRepo := repository.NewRuleRepository(a.db)
	matchLogRepo := repository.NewMatchLogRepository(a.db)
	alertRepo := repository.NewAlertRepository(a.db)
	subRepo := repository.NewSubscriptionRepository(a.db)
	evalLogRepo := repository.NewEvaluationLogRepository(a.db)
	execRepo := repository.NewExecutionRepository(a.db)

	// 缓存层
	userLock := cache.NewUserLock(a.redisClient, a.cfg.Trust.UserLockTTL)
	replayGuard := cache.NewReplayGuard(a.redisClient, a.cfg.Auth.ReplayWindow)
	invalidation := cache.NewRuleInvalidation(a.redisClient)
	var dedupe *cache.AlertDedupe
	if a.cfg.Alerting.DedupeEnabled {
		dedupe = cache.NewAlertDedupe(a.redisClient, a.cfg.Alerting.DedupeWindow)
	}

	// 审计先于其他服务启动
	a.audit = service.NewAuditService(repository.NewAuditLogRepository(a.db))
	a.audit.Start(a.ctx)

	// 规则缓存
	a.loader = rules.NewDynamicRuleLoader(ruleRepo, a.cfg.Trust.RuleReloadInterval)
	if err := a.loader.Start(a.ctx); err != nil {
		// 首次加载失败只影响规则评估, 轮询会继续重试
		logger.Error("initial rule load failed", zap.Error(err))
	}
	a.goBackground("rule-invalidation", func(ctx context.Context) error {
		return invalidation.Subscribe(ctx, func(change *cache.RuleChange) {
			logger.Debug("rule change received", zap.String("rule_id", change.RuleID), zap.String("action", change.Action))
			a.loader.Invalidate()
		})
	})
	engine := rules.NewEngine(a.loader, matchLogRepo)

	alerting := service.NewAlertingEngine(alertRepo, subRepo, userRepo, a.audit, dedupe)
	executor := service.NewActionExecutor(enforcementRepo, userRepo, caseRepo, alerting, a.audit, a.switches)
	sideEffects := service.NewSideEffectExecutor(alerting, scoreRepo, signalRepo)
	contexts := service.NewRuleContextBuilder(signalRepo, userRepo)
	degradation := service.NewDegradationService(&a.cfg.Breaker, a.db, a.redisClient, a.switches, a.loader)

	var events service.EventPublisher = service.NopPublisher{}
	if a.kafkaProducer != nil {
		events = a.kafkaProducer
		alerting.SetPublisher(events)
		executor.SetPublisher(events)
	}

	pipeline := service.NewEvaluationPipeline(&a.cfg.Trust, service.PipelineDeps{
		Scores:       scoreRepo,
		Signals:      signalRepo,
		Enforcements: enforcementRepo,
		EvalLogs:     evalLogRepo,
		Engine:       engine,
		Contexts:     contexts,
		Executor:     executor,
		SideEffects:  sideEffects,
		Degradation:  degradation,
		UserLock:     userLock,
		Switches:     a.switches,
		Events:       events,
	})

	orchestrator := service.NewEnforcementOrchestrator(service.OrchestratorDeps{
		Scores:       scoreRepo,
		Signals:      signalRepo,
		Enforcements: enforcementRepo,
		Engine:       engine,
		Contexts:     contexts,
		Executor:     executor,
		SideEffects:  sideEffects,
		UserLock:     userLock,
	})
	a.startConsumer(orchestrator)

	handlers := &router.Handlers{
		Evaluate: handler.NewEvaluateHandler(pipeline),
		Rules:    handler.NewRuleHandler(service.NewRuleService(ruleRepo, matchLogRepo, scoreRepo, a.loader, invalidation, a.audit)),
		Alerts:   handler.NewAlertHandler(alerting, service.NewSubscriptionService(subRepo, a.audit)),
		Health:   handler.NewHealthHandler(degradation),
	}
	if a.cfg.Scheduler.Enabled {
		if err := a.startScheduler(execRepo, alertRepo, alerting); err != nil {
			return nil, err
		}
		handlers.Jobs = handler.NewJobHandler(a.scheduler)
	}

	if a.cfg.Service.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	auth := &router.Auth{
		HMAC:   middleware.NewHMACVerifier(a.cfg.Auth.HMACSecret, a.cfg.Auth.ReplayWindow, replayGuard),
		Tokens: middleware.NewTokenValidator(a.cfg.Auth.JWTSecret),
	}

	logger.Info("services initialized",
		zap.Bool("shadow_mode", a.switches.ShadowMode()),
		zap.Bool("kill_switch", a.switches.KillSwitch()),
		zap.Int("rules", a.loader.Count()),
	)
	return router.New(handlers, auth), nil
}

// startConsumer 启动评分事件消费者
func (a *App) startConsumer(processor kafka.EnforcementProcessor) {
	if !a.cfg.Kafka.Enabled || len(a.cfg.Kafka.Brokers) == 0 {
		return
	}
	consumer, err := kafka.NewConsumer(&a.cfg.Kafka, processor)
	if err != nil {
		logger.Error("create kafka consumer failed", zap.Error(err))
		return
	}
	a.kafkaConsumer = consumer
	go func() {
		if err := consumer.Start(a.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("kafka consumer error", zap.Error(err))
		}
	}()
}

// startScheduler 注册并启动定时任务
func (a *App) startScheduler(execRepo *repository.ExecutionRepository, alerts *repository.AlertRepository, alerting *service.AlertingEngine) error {
	a.scheduler = scheduler.NewScheduler(&scheduler.Config{
		MaxConcurrentJobs: a.cfg.Scheduler.MaxConcurrent,
		RedisClient:       a.redisClient,
	}, execRepo)

	slaJob := jobs.NewSLAEscalationJob(alerts, alerting, a.cfg.Alerting.SLABatchSize, a.cfg.Scheduler.SLATimeout)
	if err := a.scheduler.RegisterJob(slaJob, scheduler.JobConfig{
		Cron:    a.cfg.Scheduler.SLACron,
		Enabled: true,
	}); err != nil {
		return fmt.Errorf("register %s: %w", slaJob.Name(), err)
	}

	a.scheduler.Start()
	return nil
}

// startWatcher 监听配置文件, 热更新安全开关
func (a *App) startWatcher() {
	watcher, err := config.NewWatcher(a.configPath, a.switches)
	if err != nil {
		logger.Error("create config watcher failed", zap.Error(err))
		return
	}
	a.goBackground("config-watcher", watcher.Run)
}

// goBackground 运行后台协程, 随应用 ctx 结束
func (a *App) goBackground(name string, fn func(ctx context.Context) error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := fn(a.ctx); err != nil && a.ctx.Err() == nil {
			logger.Error("background task exited", zap.String("task", name), zap.Error(err))
		}
	}()
}

// startHTTPServer 启动 HTTP 服务
func (a *App) startHTTPServer(engine *gin.Engine) {
	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("starting HTTP server", zap.String("addr", a.httpServer.Addr))
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()
}
