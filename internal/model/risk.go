package model

import "github.com/shopspring/decimal"

// RiskTier 风险等级, 严重度 monitor < low < medium < high < critical
type RiskTier string

const (
	TierMonitor  RiskTier = "monitor"
	TierLow      RiskTier = "low"
	TierMedium   RiskTier = "medium"
	TierHigh     RiskTier = "high"
	TierCritical RiskTier = "critical"
	TierUnknown  RiskTier = "unknown"
)

// Severity 严重度序号, 未知等级返回 -1
func (t RiskTier) Severity() int {
	switch t {
	case TierMonitor:
		return 0
	case TierLow:
		return 1
	case TierMedium:
		return 2
	case TierHigh:
		return 3
	case TierCritical:
		return 4
	}
	return -1
}

// 信号模式标记
const (
	FlagEscalationPattern   = "ESCALATION_PATTERN"
	FlagRuleEngineGenerated = "RULE_ENGINE_GENERATED"
)

// RiskScore 评分快照, 由外部评分模型写入 (规则调分也会追加)
type RiskScore struct {
	ID           string          `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	UserID       string          `gorm:"column:user_id;type:varchar(36);not null;index" json:"user_id"`
	Score        decimal.Decimal `gorm:"column:score;type:decimal(5,2);not null" json:"score"`
	Tier         RiskTier        `gorm:"column:tier;type:varchar(16);not null" json:"tier"`
	ModelVersion string          `gorm:"column:model_version;type:varchar(64)" json:"model_version"`
	Factors      JSONMap         `gorm:"column:factors;type:jsonb" json:"factors"`
	CreatedAt    int64           `gorm:"column:created_at;autoCreateTime:milli;index" json:"created_at"`
}

// TableName 表名
func (RiskScore) TableName() string {
	return "risk_scores"
}

// RiskSignal 行为信号, 由外部检测器写入
type RiskSignal struct {
	ID            string          `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	SourceEventID string          `gorm:"column:source_event_id;type:varchar(36)" json:"source_event_id"`
	UserID        string          `gorm:"column:user_id;type:varchar(36);not null;index" json:"user_id"`
	SignalType    string          `gorm:"column:signal_type;type:varchar(64);not null" json:"signal_type"`
	Confidence    decimal.Decimal `gorm:"column:confidence;type:decimal(4,3);not null" json:"confidence"`
	Evidence      JSONMap         `gorm:"column:evidence;type:jsonb" json:"evidence"`
	PatternFlags  StringList      `gorm:"column:pattern_flags;type:jsonb" json:"pattern_flags"`
	CreatedAt     int64           `gorm:"column:created_at;autoCreateTime:milli;index" json:"created_at"`
}

// TableName 表名
func (RiskSignal) TableName() string {
	return "risk_signals"
}
