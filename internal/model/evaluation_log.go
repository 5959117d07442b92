package model

// Decision 决策结果
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionFlag  Decision = "flag"
	DecisionBlock Decision = "block"
)

// EvaluationLog 每次同步决策的完整记录
type EvaluationLog struct {
	ID             string     `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	UserID         string     `gorm:"column:user_id;type:varchar(36);not null;index" json:"user_id"`
	CounterpartyID *string    `gorm:"column:counterparty_id;type:varchar(36)" json:"counterparty_id"`
	ActionType     string     `gorm:"column:action_type;type:varchar(64);not null" json:"action_type"`
	Decision       Decision   `gorm:"column:decision;type:varchar(16);not null" json:"decision"`
	RiskScore      float64    `gorm:"column:risk_score;not null" json:"risk_score"`
	RiskTier       RiskTier   `gorm:"column:risk_tier;type:varchar(16);not null" json:"risk_tier"`
	Reason         string     `gorm:"column:reason;type:text" json:"reason"`
	Signals        StringList `gorm:"column:signals;type:jsonb" json:"signals"`
	EnforcementID  *string    `gorm:"column:enforcement_id;type:varchar(36)" json:"enforcement_id"`
	EvaluationMs   int64      `gorm:"column:evaluation_ms;not null" json:"evaluation_ms"`
	ShadowMode     bool       `gorm:"column:shadow_mode;not null" json:"shadow_mode"`
	Metadata       JSONMap    `gorm:"column:metadata;type:jsonb" json:"metadata"`
	CreatedAt      int64      `gorm:"column:created_at;autoCreateTime:milli;index" json:"created_at"`
}

// TableName 表名
func (EvaluationLog) TableName() string {
	return "evaluation_log"
}
