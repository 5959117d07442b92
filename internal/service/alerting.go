package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/cache"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/repository"
	bizerr "github.com/eidos-exchange/eidos/eidos-trust/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

// SLADeadlines 各优先级的处理时限
var SLADeadlines = map[model.AlertPriority]time.Duration{
	model.AlertPriorityCritical: 1 * time.Hour,
	model.AlertPriorityHigh:     4 * time.Hour,
	model.AlertPriorityMedium:   24 * time.Hour,
	model.AlertPriorityLow:      72 * time.Hour,
}

var priorityOrder = []model.AlertPriority{
	model.AlertPriorityLow,
	model.AlertPriorityMedium,
	model.AlertPriorityHigh,
	model.AlertPriorityCritical,
}

// ComputeSLADeadline 计算 SLA 截止时间, 未知优先级按 medium
func ComputeSLADeadline(priority model.AlertPriority, now time.Time) time.Time {
	d, ok := SLADeadlines[priority]
	if !ok {
		d = SLADeadlines[model.AlertPriorityMedium]
	}
	return now.Add(d)
}

// EscalatePriority 提升一级, critical 不再提升
func EscalatePriority(current model.AlertPriority) model.AlertPriority {
	for i, p := range priorityOrder {
		if p == current && i < len(priorityOrder)-1 {
			return priorityOrder[i+1]
		}
	}
	return model.AlertPriorityCritical
}

// ErrAlertCreationInProgress 同一去重键的告警正由另一请求创建, 尚未提交
var ErrAlertCreationInProgress = errors.New("alert creation in progress")

const (
	dedupeAwaitAttempts = 5
	dedupeAwaitInterval = 20 * time.Millisecond
)

// CreateAlertParams 告警创建参数
type CreateAlertParams struct {
	UserID        string
	Priority      model.AlertPriority
	Title         string
	Description   string
	Source        string
	AutoGenerated bool
	Metadata      map[string]interface{}
	ParentAlertID *string
	// 订阅匹配用, 为空时从用户目录补全
	Category string
	UserType string
	// 同一用户同一去重键窗口内只建一条, DedupeKey 为空时按 Source
	Dedupe    bool
	DedupeKey string
}

// AlertingEngine 告警引擎
type AlertingEngine struct {
	alerts *repository.AlertRepository
	subs   *repository.SubscriptionRepository
	users  *repository.UserRepository
	audit  *AuditService
	dedupe *cache.AlertDedupe
	events EventPublisher
	now    func() time.Time
}

// NewAlertingEngine 创建告警引擎. dedupe 为 nil 时不去重
func NewAlertingEngine(
	alerts *repository.AlertRepository,
	subs *repository.SubscriptionRepository,
	users *repository.UserRepository,
	audit *AuditService,
	dedupe *cache.AlertDedupe,
) *AlertingEngine {
	return &AlertingEngine{
		alerts: alerts,
		subs:   subs,
		users:  users,
		audit:  audit,
		dedupe: dedupe,
		events: NopPublisher{},
		now:    time.Now,
	}
}

// SetPublisher 设置事件发布端
func (e *AlertingEngine) SetPublisher(p EventPublisher) {
	e.events = p
}

// CreateAlert 创建告警并通知订阅者, 返回告警 ID
//
// 只有告警本身写入失败才返回错误. 订阅匹配, 通知与审计的失败只记日志.
func (e *AlertingEngine) CreateAlert(ctx context.Context, params *CreateAlertParams) (string, error) {
	dedupe := params.Dedupe && e.dedupe != nil && params.UserID != ""
	dedupeKey := params.DedupeKey
	if dedupeKey == "" {
		dedupeKey = params.Source
	}
	if dedupe {
		reserved, existingID, err := e.dedupe.Reserve(ctx, params.UserID, dedupeKey)
		switch {
		case err != nil:
			logger.Warn("alert dedupe unavailable, creating without dedupe",
				zap.String("user_id", params.UserID),
				zap.String("source", params.Source),
				zap.Error(err),
			)
			dedupe = false
		case !reserved && existingID != "":
			logger.Debug("alert deduplicated",
				zap.String("user_id", params.UserID),
				zap.String("dedupe_key", dedupeKey),
				zap.String("existing_id", existingID),
			)
			return existingID, nil
		case !reserved:
			// 另一请求正在创建同一告警, 等它提交 ID
			return e.awaitDedupe(ctx, params.UserID, dedupeKey)
		}
	}

	alert, err := e.persist(ctx, params)
	if err != nil {
		if dedupe {
			if rerr := e.dedupe.Release(ctx, params.UserID, dedupeKey); rerr != nil {
				logger.Warn("release alert dedupe failed", zap.String("user_id", params.UserID), zap.Error(rerr))
			}
		}
		return "", err
	}
	if dedupe {
		if err := e.dedupe.Commit(ctx, params.UserID, dedupeKey, alert.ID); err != nil {
			logger.Warn("commit alert dedupe failed", zap.String("alert_id", alert.ID), zap.Error(err))
		}
	}

	e.afterCreate(ctx, alert, params)
	return alert.ID, nil
}

func (e *AlertingEngine) awaitDedupe(ctx context.Context, userID, dedupeKey string) (string, error) {
	for i := 0; i < dedupeAwaitAttempts; i++ {
		id, err := e.dedupe.Lookup(ctx, userID, dedupeKey)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(dedupeAwaitInterval):
		}
	}
	return "", fmt.Errorf("%w: %s", ErrAlertCreationInProgress, dedupeKey)
}

// CreateAlertTx 只写入告警, 供调用方在事务内使用, 不做通知与审计
func (e *AlertingEngine) CreateAlertTx(ctx context.Context, params *CreateAlertParams) (*model.Alert, error) {
	return e.persist(ctx, params)
}

func (e *AlertingEngine) persist(ctx context.Context, params *CreateAlertParams) (*model.Alert, error) {
	alert := &model.Alert{
		Priority:      params.Priority,
		Status:        model.AlertStatusOpen,
		Title:         params.Title,
		Description:   params.Description,
		Source:        params.Source,
		AutoGenerated: params.AutoGenerated,
		SLADeadline:   ComputeSLADeadline(params.Priority, e.now()).UnixMilli(),
		ParentAlertID: params.ParentAlertID,
		Metadata:      model.JSONMap(params.Metadata),
	}
	if params.UserID != "" {
		uid := params.UserID
		alert.UserID = &uid
	}
	if alert.Metadata == nil {
		alert.Metadata = model.JSONMap{}
	}

	if err := e.alerts.Create(ctx, alert); err != nil {
		logger.Error("create alert failed",
			zap.String("user_id", params.UserID),
			zap.String("source", params.Source),
			zap.String("priority", string(params.Priority)),
			zap.Error(err),
		)
		return nil, err
	}
	return alert, nil
}

func (e *AlertingEngine) afterCreate(ctx context.Context, alert *model.Alert, params *CreateAlertParams) {
	metrics.RecordAlertCreated(string(alert.Priority), alert.Source)
	logger.Info("alert created",
		zap.String("alert_id", alert.ID),
		zap.String("source", alert.Source),
		zap.String("priority", string(alert.Priority)),
	)

	if err := e.events.PublishAlert(ctx, alert); err != nil {
		logger.Warn("publish alert event failed", zap.String("alert_id", alert.ID), zap.Error(err))
	}

	category, userType := e.profile(ctx, params)
	subs := e.MatchSubscriptions(ctx, alert.Priority, alert.Source, category, userType)
	if len(subs) > 0 {
		e.NotifySubscribers(ctx, alert.ID, subs)
		logger.Info("alert subscribers notified", zap.String("alert_id", alert.ID), zap.Int("subscriptions", len(subs)))
	}

	e.audit.Log(ctx, &AuditEntry{
		ActorType:  model.ActorTypeAlertingEngine,
		Action:     model.AuditAlertCreated,
		EntityType: "alert",
		EntityID:   alert.ID,
		Details: map[string]interface{}{
			"source":       alert.Source,
			"priority":     string(alert.Priority),
			"user_id":      params.UserID,
			"sla_deadline": time.UnixMilli(alert.SLADeadline).UTC().Format(time.RFC3339),
		},
	})
}

// profile 订阅匹配用画像: 参数优先, 其次元数据, 最后查用户目录
func (e *AlertingEngine) profile(ctx context.Context, params *CreateAlertParams) (category, userType string) {
	category, userType = params.Category, params.UserType
	if category == "" {
		category = metaString(params.Metadata, "category")
	}
	if userType == "" {
		userType = metaString(params.Metadata, "user_type")
	}
	if (category != "" && userType != "") || params.UserID == "" || e.users == nil {
		return category, userType
	}

	user, err := e.users.GetByID(ctx, params.UserID)
	if err != nil || user == nil {
		return category, userType
	}
	if category == "" && user.ServiceCategory != nil {
		category = *user.ServiceCategory
	}
	if userType == "" && user.UserType != nil {
		userType = *user.UserType
	}
	return category, userType
}

func metaString(meta map[string]interface{}, key string) string {
	if meta == nil {
		return ""
	}
	if s, ok := meta[key].(string); ok {
		return s
	}
	return ""
}

// MatchSubscriptions 匹配启用的订阅
//
// 每个非空过滤维度都必须包含告警的取值. category 与 user_type 在告警没有对应取值时不参与过滤.
func (e *AlertingEngine) MatchSubscriptions(ctx context.Context, priority model.AlertPriority, source, category, userType string) []*model.AlertSubscription {
	subs, err := e.subs.ListEnabled(ctx)
	if err != nil {
		logger.Error("list alert subscriptions failed", zap.Error(err))
		return nil
	}

	var matched []*model.AlertSubscription
	for _, sub := range subs {
		if subscriptionMatches(&sub.FilterCriteria, string(priority), source, category, userType) {
			matched = append(matched, sub)
		}
	}
	return matched
}

func subscriptionMatches(f *model.FilterCriteria, priority, source, category, userType string) bool {
	if !dimensionMatches(f.Priority, priority, true) {
		return false
	}
	if !dimensionMatches(f.Source, source, true) {
		return false
	}
	if !dimensionMatches(f.Category, category, false) {
		return false
	}
	return dimensionMatches(f.UserType, userType, false)
}

// dimensionMatches 空维度为通配. required 为 false 时告警取值为空也通过
func dimensionMatches(allowed []string, value string, required bool) bool {
	if len(allowed) == 0 {
		return true
	}
	if value == "" && !required {
		return true
	}
	for _, v := range allowed {
		if v == value {
			return true
		}
	}
	return false
}

// NotifySubscribers 为每个订阅的每个渠道写一条通知审计, 实际投递由外部完成
func (e *AlertingEngine) NotifySubscribers(ctx context.Context, alertID string, subs []*model.AlertSubscription) {
	for _, sub := range subs {
		for _, channel := range sub.Channels {
			e.audit.Submit(ctx, &AuditEntry{
				ActorType:  model.ActorTypeAlertingEngine,
				Action:     model.AuditAlertNotificationSent,
				EntityType: "alert",
				EntityID:   alertID,
				Details: map[string]interface{}{
					"subscription_id":   sub.ID,
					"admin_user_id":     sub.AdminUserID,
					"channel":           channel,
					"subscription_name": sub.Name,
				},
			})
		}
	}
}

// GetAlert 获取告警
func (e *AlertingEngine) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	alert, err := e.alerts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrAlertNotFound) {
			return nil, bizerr.ErrAlertNotFound
		}
		return nil, bizerr.Wrap(bizerr.ErrInternal, err)
	}
	return alert, nil
}

// ListAlerts 告警列表
func (e *AlertingEngine) ListAlerts(ctx context.Context, filter *repository.AlertFilter, page *repository.Pagination) ([]*model.Alert, error) {
	alerts, err := e.alerts.List(ctx, filter, page)
	if err != nil {
		return nil, bizerr.Wrap(bizerr.ErrInternal, err)
	}
	return alerts, nil
}

// shortID ID 前 8 位, 用于标题与日志
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// EscalationResult 一次 SLA 升级的结果
type EscalationResult struct {
	From  model.AlertPriority
	To    model.AlertPriority
	Child *model.Alert
}

// EscalateBreached 升级超时告警: 原告警提级并重算截止时间, 同时派生一条子告警
//
// 两次写入在同一事务内. 告警已被其他执行者升级时返回 repository.ErrAlertAlreadyEscalated.
func (e *AlertingEngine) EscalateBreached(ctx context.Context, alert *model.Alert) (*EscalationResult, error) {
	from := alert.Priority
	to := EscalatePriority(from)
	now := e.now()
	count := alert.EscalationCount + 1

	parentID := alert.ID
	description := fmt.Sprintf("Alert \"%s\" breached its SLA deadline. Priority escalated from %s to %s. Escalation #%d.",
		alert.Title, from, to, count)
	params := &CreateAlertParams{
		Priority:      to,
		Title:         fmt.Sprintf("SLA Breach: Alert %s escalated from %s to %s", shortID(alert.ID), from, to),
		Description:   description,
		Source:        model.AlertSourceSLA,
		AutoGenerated: true,
		ParentAlertID: &parentID,
		Metadata: map[string]interface{}{
			"original_alert_id": alert.ID,
			"original_priority": string(from),
			"escalation_count":  count,
		},
	}
	if alert.UserID != nil {
		params.UserID = *alert.UserID
	}

	deadline := ComputeSLADeadline(to, now).UnixMilli()
	var child *model.Alert
	err := e.alerts.Transaction(ctx, func(ctx context.Context) error {
		if err := e.alerts.Escalate(ctx, alert, to, deadline); err != nil {
			return err
		}
		created, err := e.CreateAlertTx(ctx, params)
		if err != nil {
			return err
		}
		child = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	breachedAt := alert.SLADeadline
	alert.Priority = to
	alert.SLADeadline = deadline
	alert.EscalationCount = count

	e.afterCreate(ctx, child, params)
	e.audit.Log(ctx, &AuditEntry{
		ActorType:  model.ActorTypeSLAEscalation,
		Action:     model.AuditAlertSLABreached,
		EntityType: "alert",
		EntityID:   alert.ID,
		Details: map[string]interface{}{
			"original_priority": string(from),
			"new_priority":      string(to),
			"escalation_count":  count,
			"child_alert_id":    child.ID,
			"sla_deadline":      time.UnixMilli(breachedAt).UTC().Format(time.RFC3339),
		},
	})
	metrics.RecordSLAEscalation(string(from), string(to))
	return &EscalationResult{From: from, To: to, Child: child}, nil
}
