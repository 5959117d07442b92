package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

// 规则生成信号的默认置信度
const ruleSignalConfidence = 0.8

// RuleSource 提供某事件类型的启用规则, 按优先级升序
type RuleSource interface {
	Rules(ctx context.Context, eventType string) ([]*model.DetectionRule, error)
}

// MatchLogWriter 规则评估审计写入
type MatchLogWriter interface {
	Create(ctx context.Context, entry *model.RuleMatchLog) error
}

// AlertRequest 规则产生的告警创建请求
type AlertRequest struct {
	UserID        string
	Priority      model.AlertPriority
	Title         string
	Description   string
	Source        string
	AutoGenerated bool
	Metadata      map[string]interface{}
}

// SignalRequest 规则产生的信号创建请求
type SignalRequest struct {
	SignalType string
	UserID     string
	Confidence float64
}

// Result 规则评估结果, 不含任何已执行的副作用
type Result struct {
	EnforcementOverride *TriggerEvaluation
	AlertsToCreate      []AlertRequest
	ScoreAdjustments    []float64
	SignalsToCreate     []SignalRequest
	MatchedRules        []string
	DryRunMatches       []string
}

// HasSideEffects 是否有待执行的告警/调分/信号
func (r *Result) HasSideEffects() bool {
	return len(r.AlertsToCreate) > 0 || len(r.ScoreAdjustments) > 0 || len(r.SignalsToCreate) > 0
}

// Engine 规则引擎
type Engine struct {
	source   RuleSource
	matchLog MatchLogWriter
}

// NewEngine 创建规则引擎
func NewEngine(source RuleSource, matchLog MatchLogWriter) *Engine {
	return &Engine{source: source, matchLog: matchLog}
}

// LoadActiveRules 事件类型对应的启用规则. 加载失败返回空集
func (e *Engine) LoadActiveRules(ctx context.Context, eventType string) []*model.DetectionRule {
	rules, err := e.source.Rules(ctx, eventType)
	if err != nil {
		logger.Error("load active rules failed", zap.String("event_type", eventType), zap.Error(err))
		return nil
	}
	return rules
}

// EvaluateRules 按顺序评估规则
//
// 每条规则都会写一条评估记录, 无论是否匹配. dry_run 规则只记录匹配, 不产生任何请求.
// 多条 enforcement_trigger 规则匹配时, 只有顺序最靠前的一条成为 EnforcementOverride.
func (e *Engine) EvaluateRules(ctx context.Context, rules []*model.DetectionRule, rc *RuleContext, userID string) *Result {
	result := &Result{}
	facts := rc.ToMap()

	for _, rule := range rules {
		matched := Compile(rule.Conditions).Evaluate(facts)
		metrics.RecordRuleEvaluation(matched, rule.DryRun)

		if !matched {
			e.logMatch(ctx, rule, userID, rc.EventType, false, facts, nil)
			continue
		}
		e.logMatch(ctx, rule, userID, rc.EventType, true, facts, rule.Actions)

		if rule.DryRun {
			result.DryRunMatches = append(result.DryRunMatches, rule.ID)
			logger.Info("dry run rule matched",
				zap.String("rule_id", rule.ID),
				zap.String("rule_name", rule.Name),
				zap.String("user_id", userID),
			)
			continue
		}

		result.MatchedRules = append(result.MatchedRules, rule.ID)
		for _, action := range rule.Actions {
			e.collect(result, rule, action, userID)
		}
	}
	return result
}

func (e *Engine) collect(result *Result, rule *model.DetectionRule, action model.RuleAction, userID string) {
	switch action.Type {
	case model.RuleActionCreateEnforcement:
		if result.EnforcementOverride == nil && rule.RuleType == model.RuleTypeEnforcementTrigger {
			result.EnforcementOverride = RuleToTriggerEvaluation(rule, action)
		}

	case model.RuleActionCreateAlert:
		priority := action.Priority
		if !priority.Valid() {
			priority = model.AlertPriorityMedium
		}
		result.AlertsToCreate = append(result.AlertsToCreate, AlertRequest{
			UserID:        userID,
			Priority:      priority,
			Title:         "Rule triggered: " + rule.Name,
			Description:   rule.DescriptionOr(fmt.Sprintf("Detection rule \"%s\" matched", rule.Name)),
			Source:        model.AlertSourceRuleEngine,
			AutoGenerated: true,
			Metadata:      map[string]interface{}{"rule_id": rule.ID, "rule_name": rule.Name},
		})

	case model.RuleActionAdjustScore:
		if action.Delta != nil {
			result.ScoreAdjustments = append(result.ScoreAdjustments, *action.Delta)
		}

	case model.RuleActionCreateSignal:
		if action.SignalType != "" {
			result.SignalsToCreate = append(result.SignalsToCreate, SignalRequest{
				SignalType: action.SignalType,
				UserID:     userID,
				Confidence: ruleSignalConfidence,
			})
		}
	}
}

// logMatch 写评估审计, 失败只记日志
func (e *Engine) logMatch(ctx context.Context, rule *model.DetectionRule, userID, eventType string, matched bool, facts map[string]interface{}, actions model.RuleActions) {
	entry := &model.RuleMatchLog{
		RuleID:          rule.ID,
		UserID:          userID,
		EventType:       eventType,
		Matched:         matched,
		DryRun:          rule.DryRun,
		ContextSnapshot: model.JSONMap(facts),
	}
	if actions != nil {
		if data, err := json.Marshal(actions); err == nil {
			entry.ActionsExecuted = model.JSONRaw(data)
		}
	}
	if err := e.matchLog.Create(ctx, entry); err != nil {
		logger.Error("write rule match log failed",
			zap.String("rule_id", rule.ID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}
