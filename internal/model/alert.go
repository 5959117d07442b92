package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// AlertPriority 告警优先级
type AlertPriority string

const (
	AlertPriorityLow      AlertPriority = "low"
	AlertPriorityMedium   AlertPriority = "medium"
	AlertPriorityHigh     AlertPriority = "high"
	AlertPriorityCritical AlertPriority = "critical"
)

// Valid 是否为已知优先级
func (p AlertPriority) Valid() bool {
	switch p {
	case AlertPriorityLow, AlertPriorityMedium, AlertPriorityHigh, AlertPriorityCritical:
		return true
	}
	return false
}

// AlertStatus 告警状态. open 之后的流转由管理员完成
type AlertStatus string

const (
	AlertStatusOpen       AlertStatus = "open"
	AlertStatusAssigned   AlertStatus = "assigned"
	AlertStatusInProgress AlertStatus = "in_progress"
	AlertStatusResolved   AlertStatus = "resolved"
)

// UnresolvedStatuses 未处理完的状态, SLA 巡检范围
var UnresolvedStatuses = []AlertStatus{AlertStatusOpen, AlertStatusAssigned, AlertStatusInProgress}

// 告警来源
const (
	AlertSourceEnforcement = "enforcement"
	AlertSourceThreshold   = "threshold"
	AlertSourceTrend       = "trend"
	AlertSourceLeakage     = "leakage"
	AlertSourceSLA         = "sla"
	AlertSourceRuleEngine  = "rule_engine"
)

// Alert 管理员告警
type Alert struct {
	ID              string        `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	UserID          *string       `gorm:"column:user_id;type:varchar(36);index" json:"user_id"`
	Priority        AlertPriority `gorm:"column:priority;type:varchar(16);not null;index" json:"priority"`
	Status          AlertStatus   `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	Title           string        `gorm:"column:title;type:varchar(500);not null" json:"title"`
	Description     string        `gorm:"column:description;type:text" json:"description"`
	Source          string        `gorm:"column:source;type:varchar(32);not null" json:"source"`
	AutoGenerated   bool          `gorm:"column:auto_generated;not null" json:"auto_generated"`
	SLADeadline     int64         `gorm:"column:sla_deadline;not null;index" json:"sla_deadline"`
	EscalationCount int           `gorm:"column:escalation_count;not null" json:"escalation_count"`
	ParentAlertID   *string       `gorm:"column:parent_alert_id;type:varchar(36);index" json:"parent_alert_id"`
	Metadata        JSONMap       `gorm:"column:metadata;type:jsonb" json:"metadata"`
	CreatedAt       int64         `gorm:"column:created_at;autoCreateTime:milli" json:"created_at"`
	UpdatedAt       int64         `gorm:"column:updated_at;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 表名
func (Alert) TableName() string {
	return "admin_alerts"
}

// Breached 是否已超过 SLA
func (a *Alert) Breached(now time.Time) bool {
	return a.SLADeadline < now.UnixMilli()
}

// FilterCriteria 订阅过滤条件, 空维度视为通配
type FilterCriteria struct {
	Priority []string `json:"priority,omitempty"`
	Source   []string `json:"source,omitempty"`
	Category []string `json:"category,omitempty"`
	UserType []string `json:"user_type,omitempty"`
}

// Value 实现 driver.Valuer 接口
func (f FilterCriteria) Value() (driver.Value, error) {
	return json.Marshal(f)
}

// Scan 实现 sql.Scanner 接口
func (f *FilterCriteria) Scan(value interface{}) error {
	if value == nil {
		*f = FilterCriteria{}
		return nil
	}
	data, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, f)
}

// 通知渠道
const (
	ChannelDashboard = "dashboard"
	ChannelEmail     = "email"
	ChannelSlack     = "slack"
)

// ValidChannel 是否为已知渠道
func ValidChannel(ch string) bool {
	return ch == ChannelDashboard || ch == ChannelEmail || ch == ChannelSlack
}

// AlertSubscription 管理员告警订阅
type AlertSubscription struct {
	ID             string         `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	AdminUserID    string         `gorm:"column:admin_user_id;type:varchar(64);not null;index" json:"admin_user_id"`
	Name           string         `gorm:"column:name;type:varchar(255);not null" json:"name"`
	FilterCriteria FilterCriteria `gorm:"column:filter_criteria;type:jsonb" json:"filter_criteria"`
	Channels       StringList     `gorm:"column:channels;type:jsonb;not null" json:"channels"`
	Enabled        bool           `gorm:"column:enabled;not null;index" json:"enabled"`
	CreatedAt      int64          `gorm:"column:created_at;autoCreateTime:milli" json:"created_at"`
	UpdatedAt      int64          `gorm:"column:updated_at;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 表名
func (AlertSubscription) TableName() string {
	return "alert_subscriptions"
}
