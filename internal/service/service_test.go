package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/cache"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/config"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/rules"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/circuitbreaker"
)

// testEnv 基于内存 sqlite 与 miniredis 的完整服务装配
type testEnv struct {
	db    *gorm.DB
	redis *redis.Client
	mr    *miniredis.Miniredis

	scores       *repository.ScoreRepository
	signals      *repository.SignalRepository
	enforcements *repository.EnforcementRepository
	cases        *repository.CaseRepository
	users        *repository.UserRepository
	rules        *repository.RuleRepository
	matchLogs    *repository.MatchLogRepository
	alerts       *repository.AlertRepository
	subs         *repository.SubscriptionRepository
	auditLogs    *repository.AuditLogRepository
	evalLogs     *repository.EvaluationLogRepository

	switches     *config.Switches
	audit        *AuditService
	alerting     *AlertingEngine
	executor     *ActionExecutor
	sideEffects  *SideEffectExecutor
	loader       *rules.DynamicRuleLoader
	engine       *rules.Engine
	pipeline     *EvaluationPipeline
	orchestrator *EnforcementOrchestrator
	ruleService  *RuleService
	subService   *SubscriptionService
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(model.All()...))
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func testTrustConfig() *config.TrustConfig {
	shadow := false
	return &config.TrustConfig{
		ShadowMode:      &shadow,
		EvaluateTimeout: 2 * time.Second,
		FlagThreshold:   "40",
		BlockThreshold:  "70",
		SignalWindow:    7 * 24 * time.Hour,
		SignalLimit:     20,
	}
}

func shadowConfig(shadow bool) *config.TrustConfig {
	cfg := testTrustConfig()
	cfg.ShadowMode = &shadow
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithDB(t, setupTestDB(t))
}

func newTestEnvWithDB(t *testing.T, db *gorm.DB) *testEnv {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := &testEnv{
		db:           db,
		redis:        client,
		mr:           mr,
		scores:       repository.NewScoreRepository(db),
		signals:      repository.NewSignalRepository(db),
		enforcements: repository.NewEnforcementRepository(db),
		cases:        repository.NewCaseRepository(db),
		users:        repository.NewUserRepository(db),
		rules:        repository.NewRuleRepository(db),
		matchLogs:    repository.NewMatchLogRepository(db),
		alerts:       repository.NewAlertRepository(db),
		subs:         repository.NewSubscriptionRepository(db),
		auditLogs:    repository.NewAuditLogRepository(db),
		evalLogs:     repository.NewEvaluationLogRepository(db),
		switches:     config.NewSwitches(false, false),
	}

	cfg := testTrustConfig()
	env.audit = NewAuditService(env.auditLogs)
	env.alerting = NewAlertingEngine(env.alerts, env.subs, env.users, env.audit, cache.NewAlertDedupe(client, 24*time.Hour))
	env.executor = NewActionExecutor(env.enforcements, env.users, env.cases, env.alerting, env.audit, env.switches)
	env.sideEffects = NewSideEffectExecutor(env.alerting, env.scores, env.signals)
	env.loader = rules.NewDynamicRuleLoader(env.rules, time.Minute)
	env.engine = rules.NewEngine(env.loader, env.matchLogs)

	contexts := NewRuleContextBuilder(env.signals, env.users)
	userLock := cache.NewUserLock(client, 5*time.Second)
	degradation := NewDegradationService(circuitbreaker.DefaultConfig(), db, client, env.switches, env.loader)

	env.pipeline = NewEvaluationPipeline(cfg, PipelineDeps{
		Scores:       env.scores,
		Signals:      env.signals,
		Enforcements: env.enforcements,
		EvalLogs:     env.evalLogs,
		Engine:       env.engine,
		Contexts:     contexts,
		Executor:     env.executor,
		SideEffects:  env.sideEffects,
		Degradation:  degradation,
		UserLock:     userLock,
		Switches:     env.switches,
	})
	env.orchestrator = NewEnforcementOrchestrator(OrchestratorDeps{
		Scores:       env.scores,
		Signals:      env.signals,
		Enforcements: env.enforcements,
		Engine:       env.engine,
		Contexts:     contexts,
		Executor:     env.executor,
		SideEffects:  env.sideEffects,
		UserLock:     userLock,
	})
	env.ruleService = NewRuleService(env.rules, env.matchLogs, env.scores, env.loader, cache.NewRuleInvalidation(client), env.audit)
	env.subService = NewSubscriptionService(env.subs, env.audit)
	return env
}

// seedUser 写入用户与评分, 返回用户 ID
func (e *testEnv) seedUser(t *testing.T, score int64, tier model.RiskTier) string {
	ctx := context.Background()
	userID := uuid.NewString()
	require.NoError(t, e.db.Create(&model.User{ID: userID, Status: model.UserStatusActive}).Error)
	if tier != "" {
		require.NoError(t, e.scores.Create(ctx, &model.RiskScore{
			UserID:       userID,
			Score:        decimal.NewFromInt(score),
			Tier:         tier,
			ModelVersion: "test",
			Factors:      model.JSONMap{},
			CreatedAt:    time.Now().Add(-time.Minute).UnixMilli(),
		}))
	}
	return userID
}

func (e *testEnv) auditActions(t *testing.T, entityID string) []string {
	var logs []*model.AuditLog
	require.NoError(t, e.db.Where("entity_id = ?", entityID).Order("id ASC").Find(&logs).Error)
	actions := make([]string, 0, len(logs))
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	return actions
}

func (e *testEnv) reloadUser(t *testing.T, id string) *model.User {
	user, err := e.users.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, user)
	return user
}
