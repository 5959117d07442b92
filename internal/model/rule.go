package model

import (
	"database/sql/driver"
	"encoding/json"
)

// RuleType 规则类型
type RuleType string

const (
	RuleTypeEnforcementTrigger RuleType = "enforcement_trigger"
	RuleTypeAlertThreshold     RuleType = "alert_threshold"
	RuleTypeScoringAdjustment  RuleType = "scoring_adjustment"
	RuleTypeDetection          RuleType = "detection"
)

// Valid 是否为已知类型
func (t RuleType) Valid() bool {
	switch t {
	case RuleTypeEnforcementTrigger, RuleTypeAlertThreshold, RuleTypeScoringAdjustment, RuleTypeDetection:
		return true
	}
	return false
}

// RuleActionType 规则动作类型
type RuleActionType string

const (
	RuleActionCreateEnforcement RuleActionType = "create_enforcement"
	RuleActionCreateAlert       RuleActionType = "create_alert"
	RuleActionAdjustScore       RuleActionType = "adjust_score"
	RuleActionCreateSignal      RuleActionType = "create_signal"
)

// Valid 是否为已知动作
func (t RuleActionType) Valid() bool {
	switch t {
	case RuleActionCreateEnforcement, RuleActionCreateAlert, RuleActionAdjustScore, RuleActionCreateSignal:
		return true
	}
	return false
}

// RuleAction 规则动作, 按 Type 读取对应参数
type RuleAction struct {
	Type       RuleActionType `json:"type"`
	ActionType string         `json:"action_type,omitempty"` // create_enforcement
	Priority   AlertPriority  `json:"priority,omitempty"`    // create_alert
	Delta      *float64       `json:"delta,omitempty"`       // adjust_score
	SignalType string         `json:"signal_type,omitempty"` // create_signal
}

// RuleActions 有序动作列表 (jsonb)
type RuleActions []RuleAction

// Value 实现 driver.Valuer 接口
func (a RuleActions) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]RuleAction(a))
}

// Scan 实现 sql.Scanner 接口
func (a *RuleActions) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}
	data, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, (*[]RuleAction)(a))
}

// DetectionRule 管理员定义的检测/处置规则
//
// 规则只追加不修改: 更新会插入 version+1 的新行 (previous_version_id 指向旧行),
// 并将旧行置为 enabled=false. 版本链上 enabled=true 的成员即当前版本.
type DetectionRule struct {
	ID                string      `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	Name              string      `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Description       *string     `gorm:"column:description;type:text" json:"description"`
	RuleType          RuleType    `gorm:"column:rule_type;type:varchar(32);not null;index" json:"rule_type"`
	TriggerEventTypes StringList  `gorm:"column:trigger_event_types;type:jsonb;not null" json:"trigger_event_types"`
	Conditions        JSONRaw     `gorm:"column:conditions;type:jsonb;not null" json:"conditions"`
	Actions           RuleActions `gorm:"column:actions;type:jsonb;not null" json:"actions"`
	Priority          int         `gorm:"column:priority;not null;index" json:"priority"`
	Enabled           bool        `gorm:"column:enabled;not null;index" json:"enabled"`
	DryRun            bool        `gorm:"column:dry_run;not null" json:"dry_run"`
	CreatedBy         string      `gorm:"column:created_by;type:varchar(64)" json:"created_by"`
	Version           int         `gorm:"column:version;not null" json:"version"`
	PreviousVersionID *string     `gorm:"column:previous_version_id;type:varchar(36);index" json:"previous_version_id"`
	CreatedAt         int64       `gorm:"column:created_at;autoCreateTime:milli" json:"created_at"`
	UpdatedAt         int64       `gorm:"column:updated_at;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 表名
func (DetectionRule) TableName() string {
	return "detection_rules"
}

// HandlesEvent 是否响应该事件类型
func (r *DetectionRule) HandlesEvent(eventType string) bool {
	return r.TriggerEventTypes.Contains(eventType)
}

// DescriptionOr 描述, 为空时返回默认值
func (r *DetectionRule) DescriptionOr(fallback string) string {
	if r.Description == nil || *r.Description == "" {
		return fallback
	}
	return *r.Description
}

// RuleMatchLog 规则评估审计记录, 只追加
type RuleMatchLog struct {
	ID              string  `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	RuleID          string  `gorm:"column:rule_id;type:varchar(36);not null;index" json:"rule_id"`
	UserID          string  `gorm:"column:user_id;type:varchar(36);not null;index" json:"user_id"`
	EventType       string  `gorm:"column:event_type;type:varchar(64);not null" json:"event_type"`
	Matched         bool    `gorm:"column:matched;not null" json:"matched"`
	DryRun          bool    `gorm:"column:dry_run;not null" json:"dry_run"`
	ContextSnapshot JSONMap `gorm:"column:context_snapshot;type:jsonb" json:"context_snapshot"`
	ActionsExecuted JSONRaw `gorm:"column:actions_executed;type:jsonb" json:"actions_executed"`
	CreatedAt       int64   `gorm:"column:created_at;autoCreateTime:milli;index" json:"created_at"`
}

// TableName 表名
func (RuleMatchLog) TableName() string {
	return "rule_match_log"
}
