// Package kafka 提供信任服务的事件总线收发
package kafka

// 发布的主题
const (
	TopicDecisions    = "trust.decisions"
	TopicAlerts       = "trust.alerts"
	TopicEnforcements = "trust.enforcements"
)

// 订阅的主题. 评分服务完成评分后发送, 触发处置编排
const (
	TopicRiskScored = "trust.risk-scored"
)

// 消息方向, 用于指标标签
const (
	directionProduced = "produced"
	directionConsumed = "consumed"
)
