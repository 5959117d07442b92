package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/config"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/rules"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/circuitbreaker"
)

// 决策路径上的存储依赖
const (
	BreakerScores  = "scores"
	BreakerSignals = "signals"
	BreakerHistory = "history"
	BreakerRules   = "rules"
)

// DependencyStatus 依赖健康状态
type DependencyStatus struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthReport 健康检查结果
type HealthReport struct {
	Status       string                 `json:"status"`
	Dependencies []DependencyStatus     `json:"dependencies"`
	Breakers     []circuitbreaker.Stats `json:"breakers"`
	Switches     config.SwitchState     `json:"switches"`
	ActiveRules  int                    `json:"active_rules"`
	CheckedAt    int64                  `json:"checked_at"`
}

// DegradationService 依赖熔断与健康状态
//
// 熔断器打开时读取直接失败, 决策路径随之放行.
type DegradationService struct {
	breakers *circuitbreaker.BreakerRegistry
	db       *gorm.DB
	redis    redis.UniversalClient
	switches *config.Switches
	loader   *rules.DynamicRuleLoader
}

// NewDegradationService 创建降级服务
func NewDegradationService(breakerConfig *circuitbreaker.Config, db *gorm.DB, redisClient redis.UniversalClient, switches *config.Switches, loader *rules.DynamicRuleLoader) *DegradationService {
	return &DegradationService{
		breakers: circuitbreaker.NewRegistry(breakerConfig),
		db:       db,
		redis:    redisClient,
		switches: switches,
		loader:   loader,
	}
}

// Execute 在指定熔断器保护下执行
func (s *DegradationService) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return s.breakers.Execute(ctx, name, fn)
}

// Breaker 获取熔断器
func (s *DegradationService) Breaker(name string) *circuitbreaker.CircuitBreaker {
	return s.breakers.Get(name)
}

// Health 检查数据库与 Redis, 汇总熔断器与开关状态
func (s *DegradationService) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:    "healthy",
		Breakers:  s.breakers.Snapshot(),
		Switches:  s.switches.Snapshot(),
		CheckedAt: time.Now().UnixMilli(),
	}
	if s.loader != nil {
		report.ActiveRules = s.loader.Count()
	}

	if s.db != nil {
		report.Dependencies = append(report.Dependencies, check("postgres", func() error {
			sqlDB, err := s.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}))
	}
	if s.redis != nil {
		report.Dependencies = append(report.Dependencies, check("redis", func() error {
			return s.redis.Ping(ctx).Err()
		}))
	}

	for _, dep := range report.Dependencies {
		if !dep.Healthy {
			report.Status = "degraded"
		}
	}
	for _, b := range report.Breakers {
		if b.State != circuitbreaker.StateClosed.String() {
			report.Status = "degraded"
		}
	}
	return report
}

func check(name string, fn func() error) DependencyStatus {
	start := time.Now()
	err := fn()
	status := DependencyStatus{
		Name:      name,
		Healthy:   err == nil,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// GuardedRuleSource 带熔断的规则来源
type GuardedRuleSource struct {
	source  rules.RuleSource
	breaker *circuitbreaker.CircuitBreaker
}

// GuardRuleSource 用 rules 熔断器包装规则来源
func (s *DegradationService) GuardRuleSource(source rules.RuleSource) *GuardedRuleSource {
	return &GuardedRuleSource{source: source, breaker: s.breakers.Get(BreakerRules)}
}

// Rules 实现 rules.RuleSource
func (g *GuardedRuleSource) Rules(ctx context.Context, eventType string) ([]*model.DetectionRule, error) {
	var out []*model.DetectionRule
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.source.Rules(ctx, eventType)
		return err
	})
	return out, err
}
