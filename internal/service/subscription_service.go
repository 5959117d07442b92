package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/repository"
	bizerr "github.com/eidos-exchange/eidos/eidos-trust/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

// SubscriptionInput 订阅创建参数
type SubscriptionInput struct {
	Name           string               `json:"name"`
	FilterCriteria model.FilterCriteria `json:"filter_criteria"`
	Channels       []string             `json:"channels"`
}

// SubscriptionService 管理员告警订阅
type SubscriptionService struct {
	subs  *repository.SubscriptionRepository
	audit *AuditService
}

// NewSubscriptionService 创建订阅服务
func NewSubscriptionService(subs *repository.SubscriptionRepository, audit *AuditService) *SubscriptionService {
	return &SubscriptionService{subs: subs, audit: audit}
}

// Create 为管理员创建订阅. 优先级与来源至少各选一项才可能命中
func (s *SubscriptionService) Create(ctx context.Context, adminID string, in *SubscriptionInput) (*model.AlertSubscription, error) {
	if in.Name == "" || len(in.Name) > maxRuleNameLen {
		return nil, bizerr.ErrInvalidRequest.WithMessage("name must be 1-255 characters")
	}
	if len(in.Channels) == 0 {
		return nil, bizerr.ErrInvalidRequest.WithMessage("channels must contain at least one channel")
	}
	for _, ch := range in.Channels {
		if !model.ValidChannel(ch) {
			return nil, bizerr.ErrInvalidRequest.WithMessagef("unknown channel %q", ch)
		}
	}
	for _, p := range in.FilterCriteria.Priority {
		if !model.AlertPriority(p).Valid() {
			return nil, bizerr.ErrInvalidRequest.WithMessagef("unknown priority %q", p)
		}
	}

	sub := &model.AlertSubscription{
		AdminUserID:    adminID,
		Name:           in.Name,
		FilterCriteria: in.FilterCriteria,
		Channels:       model.StringList(in.Channels),
		Enabled:        true,
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		return nil, bizerr.Wrap(bizerr.ErrInternal, err)
	}

	s.audit.Log(ctx, &AuditEntry{
		Actor:      adminID,
		ActorType:  model.ActorTypeAdmin,
		Action:     model.AuditSubscriptionCreated,
		EntityType: "alert_subscription",
		EntityID:   sub.ID,
		Details: map[string]interface{}{
			"name":     sub.Name,
			"channels": in.Channels,
		},
	})
	logger.Info("alert subscription created", zap.String("subscription_id", sub.ID), zap.String("admin_user_id", adminID))
	return sub, nil
}

// List 管理员的订阅, adminID 为空时返回全部
func (s *SubscriptionService) List(ctx context.Context, adminID string) ([]*model.AlertSubscription, error) {
	subs, err := s.subs.ListByAdmin(ctx, adminID)
	if err != nil {
		return nil, bizerr.Wrap(bizerr.ErrInternal, err)
	}
	return subs, nil
}

// Disable 停用订阅
func (s *SubscriptionService) Disable(ctx context.Context, adminID, id string) error {
	if err := s.subs.Disable(ctx, id); err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			return bizerr.ErrSubscriptionNotFound
		}
		return bizerr.Wrap(bizerr.ErrInternal, err)
	}
	s.audit.Log(ctx, &AuditEntry{
		Actor:      adminID,
		ActorType:  model.ActorTypeAdmin,
		Action:     model.AuditSubscriptionDisabled,
		EntityType: "alert_subscription",
		EntityID:   id,
	})
	return nil
}
