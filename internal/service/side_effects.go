package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/rules"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

// 规则调分写入的模型版本
const ruleAdjustmentModelVersion = "rule-adjustment"

var (
	scoreMin = decimal.Zero
	scoreMax = decimal.NewFromInt(100)
)

// TierForScore 由分数推导风险等级
func TierForScore(score decimal.Decimal) model.RiskTier {
	switch {
	case score.GreaterThanOrEqual(decimal.NewFromInt(85)):
		return model.TierCritical
	case score.GreaterThanOrEqual(decimal.NewFromInt(65)):
		return model.TierHigh
	case score.GreaterThanOrEqual(decimal.NewFromInt(40)):
		return model.TierMedium
	case score.GreaterThanOrEqual(decimal.NewFromInt(15)):
		return model.TierLow
	}
	return model.TierMonitor
}

// SideEffectExecutor 执行规则评估产生的告警, 调分与信号. 处置不在这里执行
type SideEffectExecutor struct {
	alerting *AlertingEngine
	scores   *repository.ScoreRepository
	signals  *repository.SignalRepository
}

// NewSideEffectExecutor 创建规则副作用执行器
func NewSideEffectExecutor(alerting *AlertingEngine, scores *repository.ScoreRepository, signals *repository.SignalRepository) *SideEffectExecutor {
	return &SideEffectExecutor{alerting: alerting, scores: scores, signals: signals}
}

// Execute 逐项执行, 每项失败互不影响
func (x *SideEffectExecutor) Execute(ctx context.Context, result *rules.Result, userID string) {
	if result == nil {
		return
	}
	for _, req := range result.AlertsToCreate {
		if _, err := x.alerting.CreateAlert(ctx, &CreateAlertParams{
			UserID:        req.UserID,
			Priority:      req.Priority,
			Title:         req.Title,
			Description:   req.Description,
			Source:        req.Source,
			AutoGenerated: req.AutoGenerated,
			Metadata:      req.Metadata,
		}); err != nil {
			logger.Error("rule alert creation failed", zap.String("user_id", userID), zap.String("title", req.Title), zap.Error(err))
		}
	}

	if len(result.ScoreAdjustments) > 0 {
		if err := x.adjustScore(ctx, userID, result.ScoreAdjustments); err != nil {
			logger.Error("rule score adjustment failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	for _, req := range result.SignalsToCreate {
		if err := x.createSignal(ctx, req); err != nil {
			logger.Error("rule signal creation failed",
				zap.String("user_id", req.UserID),
				zap.String("signal_type", req.SignalType),
				zap.Error(err),
			)
		}
	}
}

// adjustScore 在最新评分上叠加调整量, 截断到 [0,100] 后追加新评分
func (x *SideEffectExecutor) adjustScore(ctx context.Context, userID string, adjustments []float64) error {
	current, err := x.scores.Latest(ctx, userID)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}

	delta := decimal.Zero
	for _, d := range adjustments {
		delta = delta.Add(decimal.NewFromFloat(d))
	}
	next := decimal.Min(scoreMax, decimal.Max(scoreMin, current.Score.Add(delta)))

	score := &model.RiskScore{
		UserID:       userID,
		Score:        next,
		Tier:         TierForScore(next),
		ModelVersion: ruleAdjustmentModelVersion,
		Factors: model.JSONMap{
			"source":         model.AlertSourceRuleEngine,
			"previous_score": current.Score.String(),
			"delta":          delta.String(),
			"adjustments":    adjustments,
		},
	}
	if err := x.scores.Create(ctx, score); err != nil {
		return err
	}
	logger.Info("score adjusted by rules",
		zap.String("user_id", userID),
		zap.String("previous", current.Score.String()),
		zap.String("score", next.String()),
		zap.String("delta", delta.String()),
	)
	return nil
}

func (x *SideEffectExecutor) createSignal(ctx context.Context, req rules.SignalRequest) error {
	signal := &model.RiskSignal{
		SourceEventID: uuid.NewString(),
		UserID:        req.UserID,
		SignalType:    req.SignalType,
		Confidence:    decimal.NewFromFloat(req.Confidence),
		Evidence: model.JSONMap{
			"source":      model.AlertSourceRuleEngine,
			"message_ids": []string{},
			"timestamps":  []string{},
		},
		PatternFlags: model.StringList{model.FlagRuleEngineGenerated},
	}
	return x.signals.Create(ctx, signal)
}
