package service

import (
	"context"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
)

// DecisionEvent 同步决策结果事件
type DecisionEvent struct {
	UserID         string         `json:"user_id"`
	CounterpartyID *string        `json:"counterparty_id,omitempty"`
	ActionType     string         `json:"action_type"`
	Decision       model.Decision `json:"decision"`
	RiskScore      float64        `json:"risk_score"`
	RiskTier       model.RiskTier `json:"risk_tier"`
	Reason         string         `json:"reason"`
	EnforcementID  *string        `json:"enforcement_id,omitempty"`
	ShadowMode     bool           `json:"shadow_mode"`
	Timestamp      int64          `json:"timestamp"`
}

// EventPublisher 事件总线发布端, 由 kafka 生产者实现
type EventPublisher interface {
	PublishDecision(ctx context.Context, event *DecisionEvent) error
	PublishEnforcement(ctx context.Context, action *model.EnforcementAction) error
	PublishAlert(ctx context.Context, alert *model.Alert) error
}

// NopPublisher 不发布任何事件
type NopPublisher struct{}

func (NopPublisher) PublishDecision(context.Context, *DecisionEvent) error              { return nil }
func (NopPublisher) PublishEnforcement(context.Context, *model.EnforcementAction) error { return nil }
func (NopPublisher) PublishAlert(context.Context, *model.Alert) error                   { return nil }
