package model

// 审计执行者类型
const (
	ActorTypeSystem            = "system"
	ActorTypeAdmin             = "admin"
	ActorTypeEnforcementEngine = "enforcement_engine"
	ActorTypeAlertingEngine    = "alerting_engine"
	ActorTypeSLAEscalation     = "sla_escalation"
	ActorTypeRuleEngine        = "rule_engine"
	ActorTypeNotification      = "notification_service"
)

// 审计动作
const (
	AuditRuleCreated           = "rule.created"
	AuditRuleUpdated           = "rule.updated"
	AuditRuleDisabled          = "rule.disabled"
	AuditAlertCreated          = "alert.created"
	AuditAlertNotificationSent = "alert.notification_sent"
	AuditAlertSLABreached      = "alert.sla_breached"
	AuditUserNotified          = "notification.user_sent"
	AuditSubscriptionCreated   = "subscription.created"
	AuditSubscriptionDisabled  = "subscription.disabled"
)

// AuditLog 审计日志, 只追加
type AuditLog struct {
	ID         int64   `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Actor      string  `gorm:"column:actor;type:varchar(64);not null" json:"actor"`
	ActorType  string  `gorm:"column:actor_type;type:varchar(32);not null" json:"actor_type"`
	Action     string  `gorm:"column:action;type:varchar(100);not null;index" json:"action"`
	EntityType string  `gorm:"column:entity_type;type:varchar(32);not null" json:"entity_type"`
	EntityID   string  `gorm:"column:entity_id;type:varchar(36);index" json:"entity_id"`
	Details    JSONMap `gorm:"column:details;type:jsonb" json:"details"`
	CreatedAt  int64   `gorm:"column:created_at;autoCreateTime:milli;index" json:"created_at"`
}

// TableName 表名
func (AuditLog) TableName() string {
	return "audit_logs"
}
