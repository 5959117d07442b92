package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
)

var (
	ErrAlertNotFound         = errors.New("alert not found")
	ErrAlertAlreadyEscalated = errors.New("alert priority changed concurrently")
	ErrSubscriptionNotFound  = errors.New("alert subscription not found")
)

// AlertFilter 告警列表过滤
type AlertFilter struct {
	Status   model.AlertStatus
	Priority model.AlertPriority
	UserID   string
	Source   string
}

// AlertRepository 告警仓储
type AlertRepository struct {
	*Repository
}

// NewAlertRepository 创建告警仓储
func NewAlertRepository(db *gorm.DB) *AlertRepository {
	return &AlertRepository{Repository: NewRepository(db)}
}

// Create 创建告警
func (r *AlertRepository) Create(ctx context.Context, alert *model.Alert) error {
	if alert.ID == "" {
		alert.ID = newID()
	}
	now := time.Now().UnixMilli()
	alert.CreatedAt = now
	alert.UpdatedAt = now
	return r.DB(ctx).Create(alert).Error
}

// GetByID 根据 ID 获取
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*model.Alert, error) {
	var alert model.Alert
	if err := r.DB(ctx).Where("id = ?", id).First(&alert).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	return &alert, nil
}

// List 分页查询告警
func (r *AlertRepository) List(ctx context.Context, filter *AlertFilter, page *Pagination) ([]*model.Alert, error) {
	query := r.DB(ctx).Model(&model.Alert{})
	if filter != nil {
		if filter.Status != "" {
			query = query.Where("status = ?", filter.Status)
		}
		if filter.Priority != "" {
			query = query.Where("priority = ?", filter.Priority)
		}
		if filter.UserID != "" {
			query = query.Where("user_id = ?", filter.UserID)
		}
		if filter.Source != "" {
			query = query.Where("source = ?", filter.Source)
		}
	}

	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	var alerts []*model.Alert
	err := query.
		Order("created_at DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&alerts).Error
	return alerts, err
}

// ListBreached 已超过 SLA 且未处理完的非 critical 告警, 最早超时的在前
func (r *AlertRepository) ListBreached(ctx context.Context, now time.Time, limit int) ([]*model.Alert, error) {
	var alerts []*model.Alert
	err := r.DB(ctx).
		Where("sla_deadline < ?", now.UnixMilli()).
		Where("status IN ?", model.UnresolvedStatuses).
		Where("priority <> ?", model.AlertPriorityCritical).
		Order("sla_deadline ASC").
		Limit(limit).
		Find(&alerts).Error
	return alerts, err
}

// Escalate 升级告警优先级. 以旧优先级为条件, 已被其他执行者升级时返回 ErrAlertAlreadyEscalated
func (r *AlertRepository) Escalate(ctx context.Context, alert *model.Alert, newPriority model.AlertPriority, newDeadline int64) error {
	result := r.DB(ctx).Model(&model.Alert{}).
		Where("id = ? AND priority = ? AND escalation_count = ?", alert.ID, alert.Priority, alert.EscalationCount).
		Updates(map[string]interface{}{
			"priority":         newPriority,
			"sla_deadline":     newDeadline,
			"escalation_count": alert.EscalationCount + 1,
			"updated_at":       time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAlertAlreadyEscalated
	}
	return nil
}

// Children 由 SLA 升级派生的子告警
func (r *AlertRepository) Children(ctx context.Context, parentID string) ([]*model.Alert, error) {
	var alerts []*model.Alert
	err := r.DB(ctx).Where("parent_alert_id = ?", parentID).Order("created_at ASC").Find(&alerts).Error
	return alerts, err
}

// SubscriptionRepository 告警订阅仓储
type SubscriptionRepository struct {
	*Repository
}

// NewSubscriptionRepository 创建订阅仓储
func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{Repository: NewRepository(db)}
}

// Create 创建订阅
func (r *SubscriptionRepository) Create(ctx context.Context, sub *model.AlertSubscription) error {
	if sub.ID == "" {
		sub.ID = newID()
	}
	now := time.Now().UnixMilli()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	return r.DB(ctx).Create(sub).Error
}

// ListEnabled 启用的订阅
func (r *SubscriptionRepository) ListEnabled(ctx context.Context) ([]*model.AlertSubscription, error) {
	var subs []*model.AlertSubscription
	err := r.DB(ctx).Where("enabled = ?", true).Order("created_at ASC").Find(&subs).Error
	return subs, err
}

// ListByAdmin 管理员的订阅, adminID 为空时返回全部
func (r *SubscriptionRepository) ListByAdmin(ctx context.Context, adminID string) ([]*model.AlertSubscription, error) {
	query := r.DB(ctx).Model(&model.AlertSubscription{})
	if adminID != "" {
		query = query.Where("admin_user_id = ?", adminID)
	}
	var subs []*model.AlertSubscription
	err := query.Order("created_at DESC").Find(&subs).Error
	return subs, err
}

// Disable 停用订阅
func (r *SubscriptionRepository) Disable(ctx context.Context, id string) error {
	result := r.DB(ctx).Model(&model.AlertSubscription{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"enabled":    false,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}
