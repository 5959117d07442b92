package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/rules"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

// RuleContextBuilder 构建规则求值上下文
type RuleContextBuilder struct {
	signals *repository.SignalRepository
	users   *repository.UserRepository
	now     func() time.Time
}

// NewRuleContextBuilder 创建上下文构建器
func NewRuleContextBuilder(signals *repository.SignalRepository, users *repository.UserRepository) *RuleContextBuilder {
	return &RuleContextBuilder{signals: signals, users: users, now: time.Now}
}

// BuildRuleContext 并发查询 24h 信号数与用户画像, 查询失败时对应字段保持空值
func (b *RuleContextBuilder) BuildRuleContext(
	ctx context.Context,
	userID string,
	score decimal.Decimal,
	tier model.RiskTier,
	history model.EnforcementHistory,
	patternFlags []string,
	eventType string,
) *rules.RuleContext {
	rc := rules.NewRuleContext(score, tier, history, patternFlags, eventType)

	var (
		count int64
		user  *model.User
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := b.signals.CountSince(gctx, userID, b.now().Add(-24*time.Hour))
		if err != nil {
			logger.Warn("count recent signals failed", zap.String("user_id", userID), zap.Error(err))
			return nil
		}
		count = n
		return nil
	})
	g.Go(func() error {
		u, err := b.users.GetByID(gctx, userID)
		if err != nil {
			logger.Warn("load user profile failed", zap.String("user_id", userID), zap.Error(err))
			return nil
		}
		user = u
		return nil
	})
	_ = g.Wait()

	rc.SignalCount24h = count
	if user != nil {
		rc.UserType = user.UserType
		rc.ServiceCategory = user.ServiceCategory
	}
	return rc
}
