package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/cache"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/rules"
	bizerr "github.com/eidos-exchange/eidos/eidos-trust/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

const (
	defaultRulePriority = 100
	maxRulePriority     = 1000
	maxRuleNameLen      = 255
	maxRuleDescLen      = 2000

	ruleTestSampleSize   = 100
	ruleTestMaxSamples   = 10
	defaultMatchLogLimit = 50
)

// RuleInput 规则创建/更新参数. 更新时 nil 字段沿用旧版本
type RuleInput struct {
	Name              *string            `json:"name"`
	Description       *string            `json:"description"`
	RuleType          *model.RuleType    `json:"rule_type"`
	TriggerEventTypes []string           `json:"trigger_event_types"`
	Conditions        json.RawMessage    `json:"conditions"`
	Actions           []model.RuleAction `json:"actions"`
	Priority          *int               `json:"priority"`
	Enabled           *bool              `json:"enabled"`
	DryRun            *bool              `json:"dry_run"`
}

// RuleTestResult 规则试运行结果
type RuleTestResult struct {
	Matches       int               `json:"matches"`
	Total         int               `json:"total"`
	SampleMatches []RuleSampleMatch `json:"sample_matches"`
}

// RuleSampleMatch 试运行命中样本
type RuleSampleMatch struct {
	UserID string         `json:"user_id"`
	Score  float64        `json:"score"`
	Tier   model.RiskTier `json:"tier"`
}

// RuleService 规则管理
type RuleService struct {
	rules        *repository.RuleRepository
	matchLogs    *repository.MatchLogRepository
	scores       *repository.ScoreRepository
	loader       *rules.DynamicRuleLoader
	invalidation *cache.RuleInvalidation
	audit        *AuditService
}

// NewRuleService 创建规则管理服务. loader 与 invalidation 可为 nil
func NewRuleService(
	ruleRepo *repository.RuleRepository,
	matchLogs *repository.MatchLogRepository,
	scores *repository.ScoreRepository,
	loader *rules.DynamicRuleLoader,
	invalidation *cache.RuleInvalidation,
	audit *AuditService,
) *RuleService {
	return &RuleService{
		rules:        ruleRepo,
		matchLogs:    matchLogs,
		scores:       scores,
		loader:       loader,
		invalidation: invalidation,
		audit:        audit,
	}
}

// List 列出最新版本
func (s *RuleService) List(ctx context.Context, filter *repository.RuleFilter, page *repository.Pagination) ([]*model.DetectionRule, error) {
	list, err := s.rules.ListLatest(ctx, filter, page)
	if err != nil {
		return nil, bizerr.Wrap(bizerr.ErrInternal, err)
	}
	return list, nil
}

// Get 获取指定版本
func (s *RuleService) Get(ctx context.Context, id string) (*model.DetectionRule, error) {
	rule, err := s.rules.GetByID(ctx, id)
	if err != nil {
		return nil, mapRuleError(err)
	}
	return rule, nil
}

// Create 创建规则 (版本 1)
func (s *RuleService) Create(ctx context.Context, actor string, in *RuleInput) (*model.DetectionRule, error) {
	rule := &model.DetectionRule{
		Priority: defaultRulePriority,
		Enabled:  true,
	}
	applyRuleInput(rule, in)
	rule.CreatedBy = actor
	if err := validateRule(rule); err != nil {
		return nil, err
	}

	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, bizerr.Wrap(bizerr.ErrInternal, err)
	}

	s.audit.Log(ctx, &AuditEntry{
		Actor:      actor,
		ActorType:  model.ActorTypeAdmin,
		Action:     model.AuditRuleCreated,
		EntityType: "detection_rule",
		EntityID:   rule.ID,
		Details: map[string]interface{}{
			"name":      rule.Name,
			"rule_type": string(rule.RuleType),
			"version":   rule.Version,
		},
	})
	s.invalidate(ctx, rule.ID, "created")
	logger.Info("rule created", zap.String("rule_id", rule.ID), zap.String("name", rule.Name), zap.String("actor", actor))
	return rule, nil
}

// Update 以新版本替换当前版本, 旧版本停用
func (s *RuleService) Update(ctx context.Context, actor, id string, in *RuleInput) (*model.DetectionRule, error) {
	current, err := s.rules.GetByID(ctx, id)
	if err != nil {
		return nil, mapRuleError(err)
	}
	if !current.Enabled {
		return nil, bizerr.ErrRuleSuperseded
	}

	next := &model.DetectionRule{
		Name:              current.Name,
		Description:       current.Description,
		RuleType:          current.RuleType,
		TriggerEventTypes: current.TriggerEventTypes,
		Conditions:        current.Conditions,
		Actions:           current.Actions,
		Priority:          current.Priority,
		Enabled:           true,
		DryRun:            current.DryRun,
		CreatedBy:         actor,
	}
	applyRuleInput(next, in)
	if err := validateRule(next); err != nil {
		return nil, err
	}

	if err := s.rules.Supersede(ctx, current, next); err != nil {
		if errors.Is(err, repository.ErrRuleNotCurrent) {
			return nil, bizerr.ErrRuleSuperseded
		}
		return nil, bizerr.Wrap(bizerr.ErrInternal, err)
	}

	s.audit.Log(ctx, &AuditEntry{
		Actor:      actor,
		ActorType:  model.ActorTypeAdmin,
		Action:     model.AuditRuleUpdated,
		EntityType: "detection_rule",
		EntityID:   next.ID,
		Details: map[string]interface{}{
			"previous_version_id": current.ID,
			"version":             next.Version,
		},
	})
	s.invalidate(ctx, next.ID, "updated")
	logger.Info("rule updated",
		zap.String("rule_id", next.ID),
		zap.String("previous_version_id", current.ID),
		zap.Int("version", next.Version),
		zap.String("actor", actor),
	)
	return next, nil
}

// Disable 软删除
func (s *RuleService) Disable(ctx context.Context, actor, id string) error {
	if err := s.rules.Disable(ctx, id); err != nil {
		return mapRuleError(err)
	}
	s.audit.Log(ctx, &AuditEntry{
		Actor:      actor,
		ActorType:  model.ActorTypeAdmin,
		Action:     model.AuditRuleDisabled,
		EntityType: "detection_rule",
		EntityID:   id,
	})
	s.invalidate(ctx, id, "disabled")
	logger.Info("rule disabled", zap.String("rule_id", id), zap.String("actor", actor))
	return nil
}

// History 版本链, 从新到旧
func (s *RuleService) History(ctx context.Context, id string) ([]*model.DetectionRule, error) {
	chain, err := s.rules.History(ctx, id)
	if err != nil {
		return nil, mapRuleError(err)
	}
	return chain, nil
}

// Matches 规则评估记录
func (s *RuleService) Matches(ctx context.Context, id string, limit int) ([]*model.RuleMatchLog, error) {
	if _, err := s.rules.GetByID(ctx, id); err != nil {
		return nil, mapRuleError(err)
	}
	if limit <= 0 {
		limit = defaultMatchLogLimit
	}
	logs, err := s.matchLogs.ListByRule(ctx, id, limit)
	if err != nil {
		return nil, bizerr.Wrap(bizerr.ErrInternal, err)
	}
	return logs, nil
}

// Test 用最近评分的用户样本试运行条件, 不产生任何副作用
func (s *RuleService) Test(ctx context.Context, id string) (*RuleTestResult, error) {
	rule, err := s.rules.GetByID(ctx, id)
	if err != nil {
		return nil, mapRuleError(err)
	}
	samples, err := s.scores.LatestPerUser(ctx, ruleTestSampleSize)
	if err != nil {
		return nil, bizerr.Wrap(bizerr.ErrInternal, err)
	}

	eventType := defaultEventType
	if len(rule.TriggerEventTypes) > 0 {
		eventType = rule.TriggerEventTypes[0]
	}
	cond := rules.Compile(rule.Conditions)

	result := &RuleTestResult{Total: len(samples), SampleMatches: []RuleSampleMatch{}}
	for _, score := range samples {
		rc := rules.NewRuleContext(score.Score, score.Tier, model.EnforcementHistory{}, nil, eventType)
		if !cond.Evaluate(rc.ToMap()) {
			continue
		}
		result.Matches++
		if len(result.SampleMatches) < ruleTestMaxSamples {
			f, _ := score.Score.Float64()
			result.SampleMatches = append(result.SampleMatches, RuleSampleMatch{UserID: score.UserID, Score: f, Tier: score.Tier})
		}
	}
	return result, nil
}

// invalidate 本地立即失效, 并广播给其他副本
func (s *RuleService) invalidate(ctx context.Context, ruleID, action string) {
	if s.loader != nil {
		s.loader.Invalidate()
	}
	if s.invalidation == nil {
		return
	}
	change := &cache.RuleChange{RuleID: ruleID, Action: action, Timestamp: time.Now().UnixMilli()}
	if err := s.invalidation.Publish(ctx, change); err != nil {
		logger.Warn("publish rule invalidation failed", zap.String("rule_id", ruleID), zap.Error(err))
	}
}

func applyRuleInput(rule *model.DetectionRule, in *RuleInput) {
	if in == nil {
		return
	}
	if in.Name != nil {
		rule.Name = *in.Name
	}
	if in.Description != nil {
		rule.Description = in.Description
	}
	if in.RuleType != nil {
		rule.RuleType = *in.RuleType
	}
	if in.TriggerEventTypes != nil {
		rule.TriggerEventTypes = model.StringList(in.TriggerEventTypes)
	}
	if in.Conditions != nil {
		rule.Conditions = model.JSONRaw(in.Conditions)
	}
	if in.Actions != nil {
		rule.Actions = model.RuleActions(in.Actions)
	}
	if in.Priority != nil {
		rule.Priority = *in.Priority
	}
	if in.Enabled != nil {
		rule.Enabled = *in.Enabled
	}
	if in.DryRun != nil {
		rule.DryRun = *in.DryRun
	}
}

func validateRule(rule *model.DetectionRule) error {
	switch {
	case len(rule.Name) == 0 || len(rule.Name) > maxRuleNameLen:
		return bizerr.ErrInvalidRequest.WithMessage("name must be 1-255 characters")
	case rule.Description != nil && len(*rule.Description) > maxRuleDescLen:
		return bizerr.ErrInvalidRequest.WithMessage("description must be at most 2000 characters")
	case !rule.RuleType.Valid():
		return bizerr.ErrInvalidRequest.WithMessage("rule_type is invalid")
	case len(rule.TriggerEventTypes) == 0:
		return bizerr.ErrInvalidRequest.WithMessage("trigger_event_types must contain at least one event type")
	case len(rule.Actions) == 0:
		return bizerr.ErrInvalidRequest.WithMessage("actions must contain at least one action")
	case rule.Priority < 0 || rule.Priority > maxRulePriority:
		return bizerr.ErrInvalidRequest.WithMessage("priority must be between 0 and 1000")
	}
	for _, a := range rule.Actions {
		if !a.Type.Valid() {
			return bizerr.ErrInvalidRequest.WithMessagef("unknown action type %q", a.Type)
		}
		// action_type 为空时按 admin_escalation 处理
		if a.Type == model.RuleActionCreateEnforcement && a.ActionType != "" && !model.ActionType(a.ActionType).Known() {
			return bizerr.ErrInvalidRequest.WithMessagef("unknown enforcement action_type %q", a.ActionType)
		}
	}
	if len(rule.Conditions) == 0 {
		return bizerr.ErrInvalidCondition.WithMessage("conditions are required")
	}
	cond, err := rules.Parse(rule.Conditions)
	if err != nil {
		return bizerr.ErrInvalidCondition.WithMessage(err.Error())
	}
	if err := cond.Validate(); err != nil {
		return bizerr.ErrInvalidCondition.WithMessage(err.Error())
	}
	return nil
}

func mapRuleError(err error) error {
	if errors.Is(err, repository.ErrRuleNotFound) {
		return bizerr.ErrRuleNotFound
	}
	return bizerr.Wrap(bizerr.ErrInternal, err)
}
