package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/cache"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/rules"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

// 未带事件类型的评分事件按通用事件评估规则
const defaultEventType = "general.event"

// 需要通知管理员的处置
var alertableActions = map[model.ActionType]bool{
	model.ActionHardWarning:          true,
	model.ActionTemporaryRestriction: true,
	model.ActionAccountSuspension:    true,
	model.ActionBookingBlocked:       true,
	model.ActionBookingFlagged:       true,
	model.ActionPaymentHeld:          true,
	model.ActionPaymentBlocked:       true,
	model.ActionProviderDemoted:      true,
	model.ActionProviderSuspended:    true,
	model.ActionMessageThrottled:     true,
	model.ActionAdminEscalation:      true,
}

// EnforcementOrchestrator 异步处置编排, 由评分事件驱动
type EnforcementOrchestrator struct {
	scores       *repository.ScoreRepository
	signals      *repository.SignalRepository
	enforcements *repository.EnforcementRepository
	engine       *rules.Engine
	contexts     *RuleContextBuilder
	executor     *ActionExecutor
	sideEffects  *SideEffectExecutor
	userLock     *cache.UserLock
	now          func() time.Time
}

// OrchestratorDeps 编排依赖
type OrchestratorDeps struct {
	Scores       *repository.ScoreRepository
	Signals      *repository.SignalRepository
	Enforcements *repository.EnforcementRepository
	Engine       *rules.Engine
	Contexts     *RuleContextBuilder
	Executor     *ActionExecutor
	SideEffects  *SideEffectExecutor
	UserLock     *cache.UserLock
}

// NewEnforcementOrchestrator 创建处置编排
func NewEnforcementOrchestrator(deps OrchestratorDeps) *EnforcementOrchestrator {
	return &EnforcementOrchestrator{
		scores:       deps.Scores,
		signals:      deps.Signals,
		enforcements: deps.Enforcements,
		engine:       deps.Engine,
		contexts:     deps.Contexts,
		executor:     deps.Executor,
		sideEffects:  deps.SideEffects,
		userLock:     deps.UserLock,
		now:          time.Now,
	}
}

// ProcessEnforcement 评分更新后的处置流程
//
// 存储读取失败返回错误, 由消费端决定是否重试. 用户已有生效限制时不叠加处置.
func (o *EnforcementOrchestrator) ProcessEnforcement(ctx context.Context, userID, eventType string) (*model.EnforcementAction, error) {
	if eventType == "" {
		eventType = defaultEventType
	}

	score, err := o.scores.Latest(ctx, userID)
	if err != nil {
		return nil, err
	}
	if score == nil {
		logger.Debug("no risk score, skipping enforcement", zap.String("user_id", userID))
		return nil, nil
	}

	now := o.now()
	recent, err := o.signals.Recent(ctx, userID, now.Add(-7*24*time.Hour), 10)
	if err != nil {
		return nil, err
	}
	flags := patternFlags(recent)

	history, err := o.enforcements.History(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if history.HasActiveRestriction {
		logger.Info("active restriction exists, skipping enforcement", zap.String("user_id", userID))
		return nil, nil
	}

	trigger := rules.EvaluateContextualTrigger(score.Tier, *history, flags, rules.EventTypeToContext(eventType))

	if active := o.engine.LoadActiveRules(ctx, eventType); len(active) > 0 {
		rc := o.contexts.BuildRuleContext(ctx, userID, score.Score, score.Tier, *history, flags, eventType)
		result := o.engine.EvaluateRules(ctx, active, rc, userID)
		if result.EnforcementOverride.HasAction() {
			logger.Info("rule overrides enforcement",
				zap.String("user_id", userID),
				zap.Strings("rules", result.MatchedRules),
				zap.String("action", string(result.EnforcementOverride.Action)),
			)
			trigger = result.EnforcementOverride
		}
		o.sideEffects.Execute(ctx, result, userID)
	}

	if !trigger.HasAction() {
		return nil, nil
	}

	// TriggeringSignals 只关联 24 小时内的信号
	daily, err := o.signals.Recent(ctx, userID, now.Add(-24*time.Hour), 10)
	if err != nil {
		return nil, err
	}
	riskScoreID := score.ID

	var action *model.EnforcementAction
	run := func(ctx context.Context) error {
		current, err := o.enforcements.History(ctx, userID, o.now())
		if err != nil {
			return err
		}
		if current.HasActiveRestriction {
			return nil
		}
		action, err = o.executor.Execute(ctx, userID, trigger, signalIDs(daily), &riskScoreID)
		return err
	}
	if o.userLock != nil {
		err = o.userLock.Do(ctx, userID, run)
	} else {
		err = run(ctx)
	}
	if errors.Is(err, cache.ErrUserBusy) {
		logger.Info("user enforcement in progress elsewhere, skipping", zap.String("user_id", userID))
		return nil, nil
	}
	if err != nil || action == nil {
		return nil, err
	}

	o.executor.NotifyUser(ctx, action)
	if alertableActions[trigger.Action] {
		alertID, err := o.executor.CreateAdminAlert(ctx, action)
		if err != nil {
			logger.Error("create enforcement admin alert failed", zap.String("user_id", userID), zap.Error(err))
		} else if action.RequiresApproval && alertID != "" {
			o.executor.CreateEscalationCase(ctx, action, alertID)
		}
	}
	return action, nil
}
