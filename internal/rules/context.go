package rules

import (
	"github.com/shopspring/decimal"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
)

// RuleContext 条件求值的上下文, 每次评估重新构建, 不落库
type RuleContext struct {
	Score                   decimal.Decimal
	Tier                    model.RiskTier
	SignalCount24h          int64
	EnforcementCount30d     int
	UserType                *string
	ServiceCategory         *string
	EventType               string
	HasActiveRestriction    bool
	PatternFlags            []string
	TotalEnforcementActions int
}

// NewRuleContext 由评分与处置历史构建上下文, 用户画像与信号数由调用方补充
func NewRuleContext(score decimal.Decimal, tier model.RiskTier, history model.EnforcementHistory, patternFlags []string, eventType string) *RuleContext {
	if patternFlags == nil {
		patternFlags = []string{}
	}
	return &RuleContext{
		Score:                   score,
		Tier:                    tier,
		EnforcementCount30d:     history.RecentActions,
		EventType:               eventType,
		HasActiveRestriction:    history.HasActiveRestriction,
		PatternFlags:            patternFlags,
		TotalEnforcementActions: history.TotalActions,
	}
}

// ToMap 条件求值与审计快照使用的扁平记录. 画像缺失时值为 nil (字段存在)
func (c *RuleContext) ToMap() map[string]interface{} {
	score, _ := c.Score.Float64()
	flags := make([]interface{}, len(c.PatternFlags))
	for i, f := range c.PatternFlags {
		flags[i] = f
	}
	return map[string]interface{}{
		"score":                     score,
		"tier":                      string(c.Tier),
		"signal_count_24h":          float64(c.SignalCount24h),
		"enforcement_count_30d":     float64(c.EnforcementCount30d),
		"user_type":                 optional(c.UserType),
		"service_category":          optional(c.ServiceCategory),
		"event_type":                c.EventType,
		"has_active_restriction":    c.HasActiveRestriction,
		"pattern_flags":             flags,
		"total_enforcement_actions": float64(c.TotalEnforcementActions),
	}
}

func optional(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}
