package model

// ActionType 处置动作类型
type ActionType string

const (
	ActionNone                 ActionType = ""
	ActionSoftWarning          ActionType = "soft_warning"
	ActionHardWarning          ActionType = "hard_warning"
	ActionTemporaryRestriction ActionType = "temporary_restriction"
	ActionAccountSuspension    ActionType = "account_suspension"
	ActionAdminEscalation      ActionType = "admin_escalation"

	// 场景化动作
	ActionBookingBlocked    ActionType = "booking_blocked"
	ActionBookingFlagged    ActionType = "booking_flagged"
	ActionPaymentBlocked    ActionType = "payment_blocked"
	ActionPaymentHeld       ActionType = "payment_held"
	ActionProviderSuspended ActionType = "provider_suspended"
	ActionProviderDemoted   ActionType = "provider_demoted"
	ActionMessageThrottled  ActionType = "message_throttled"
)

var actionTypes = []ActionType{
	ActionSoftWarning, ActionHardWarning, ActionTemporaryRestriction, ActionAccountSuspension,
	ActionAdminEscalation, ActionBookingBlocked, ActionBookingFlagged, ActionPaymentBlocked,
	ActionPaymentHeld, ActionProviderSuspended, ActionProviderDemoted, ActionMessageThrottled,
}

// Known 是否为已知动作
func (a ActionType) Known() bool {
	for _, t := range actionTypes {
		if a == t {
			return true
		}
	}
	return false
}

// StoredType 持久化类型. admin_escalation 只开案件, 按 hard_warning 落库
func (a ActionType) StoredType() ActionType {
	if a == ActionAdminEscalation {
		return ActionHardWarning
	}
	return a
}

// UserStatus 动作生效后的用户状态, 空串表示不变更
func (a ActionType) UserStatus() UserStatus {
	switch a {
	case ActionTemporaryRestriction, ActionBookingBlocked, ActionPaymentBlocked:
		return UserStatusRestricted
	case ActionAccountSuspension, ActionProviderSuspended:
		return UserStatusSuspended
	}
	return ""
}

// IsRestriction 是否计入 "生效中的限制": 会变更用户状态的动作, 含场景化的封锁与停用
func (a ActionType) IsRestriction() bool {
	return a.UserStatus() != ""
}

// RestrictionTypes 所有限制类动作
func RestrictionTypes() []ActionType {
	var out []ActionType
	for _, t := range actionTypes {
		if t.IsRestriction() {
			out = append(out, t)
		}
	}
	return out
}

// EnforcementAction 已执行 (或影子模式下记录) 的处置
type EnforcementAction struct {
	ID                string     `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	UserID            string     `gorm:"column:user_id;type:varchar(36);not null;index" json:"user_id"`
	ActionType        ActionType `gorm:"column:action_type;type:varchar(32);not null" json:"action_type"`
	Reason            string     `gorm:"column:reason;type:text;not null" json:"reason"`
	ReasonCode        string     `gorm:"column:reason_code;type:varchar(64);not null" json:"reason_code"`
	TriggeringSignals StringList `gorm:"column:triggering_signal_ids;type:jsonb" json:"triggering_signal_ids"`
	RiskScoreID       *string    `gorm:"column:risk_score_id;type:varchar(36)" json:"risk_score_id"`
	EffectiveUntil    *int64     `gorm:"column:effective_until" json:"effective_until"`
	Automated         bool       `gorm:"column:automated;not null" json:"automated"`
	RequiresApproval  bool       `gorm:"column:requires_approval;not null" json:"requires_approval"`
	ShadowMode        bool       `gorm:"column:shadow_mode;not null;index" json:"shadow_mode"`
	Metadata          JSONMap    `gorm:"column:metadata;type:jsonb" json:"metadata"`
	ReversedAt        *int64     `gorm:"column:reversed_at" json:"reversed_at"`
	CreatedAt         int64      `gorm:"column:created_at;autoCreateTime:milli;index" json:"created_at"`
}

// TableName 表名
func (EnforcementAction) TableName() string {
	return "enforcement_actions"
}

// EscalationCase 需人工复核的案件
type EscalationCase struct {
	ID                  string  `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	UserID              string  `gorm:"column:user_id;type:varchar(36);not null;index" json:"user_id"`
	AlertID             string  `gorm:"column:alert_id;type:varchar(36);not null" json:"alert_id"`
	EnforcementActionID string  `gorm:"column:enforcement_action_id;type:varchar(36);not null" json:"enforcement_action_id"`
	Title               string  `gorm:"column:title;type:varchar(255);not null" json:"title"`
	Status              string  `gorm:"column:status;type:varchar(20);not null" json:"status"`
	Metadata            JSONMap `gorm:"column:metadata;type:jsonb" json:"metadata"`
	CreatedAt           int64   `gorm:"column:created_at;autoCreateTime:milli" json:"created_at"`
}

// TableName 表名
func (EscalationCase) TableName() string {
	return "escalation_cases"
}

// EnforcementHistory 用户处置历史, 由 enforcement_actions 聚合得出 (只读)
type EnforcementHistory struct {
	TotalActions         int        `json:"totalActions"`
	RecentActions        int        `json:"recentActions"` // 近 30 天
	LastActionType       ActionType `json:"lastActionType"`
	HasActiveRestriction bool       `json:"hasActiveRestriction"`
}
