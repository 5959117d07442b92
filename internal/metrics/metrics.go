// Package metrics 提供 eidos-trust 服务的 Prometheus 监控指标
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eidos_trust"

// 决策指标
var (
	// DecisionsTotal 同步决策总数
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "同步决策总数",
		},
		[]string{"decision", "tier"}, // decision: allow/flag/block
	)

	// EvaluationDuration 决策耗时
	EvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "同步决策耗时(秒)",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3},
		},
		[]string{"action_type"},
	)

	// FailOpenTotal 内部故障放行次数
	FailOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fail_open_total",
			Help:      "内部故障导致放行的次数",
		},
		[]string{"reason"}, // reason: error/timeout/panic
	)
)

// 规则引擎指标
var (
	// RuleEvaluationsTotal 规则评估总数
	RuleEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_evaluations_total",
			Help:      "规则评估总数",
		},
		[]string{"matched", "dry_run"},
	)

	// RuleCacheReloadsTotal 规则缓存重载次数
	RuleCacheReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_cache_reloads_total",
			Help:      "规则缓存重载次数",
		},
		[]string{"trigger", "result"}, // trigger: poll/invalidate/startup
	)

	// ActiveRulesGauge 缓存中的启用规则数
	ActiveRulesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rules",
			Help:      "缓存中的启用规则数",
		},
	)
)

// 处置与告警指标
var (
	// EnforcementActionsTotal 处置动作总数
	EnforcementActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enforcement_actions_total",
			Help:      "处置动作总数",
		},
		[]string{"action", "shadow"},
	)

	// AlertsCreatedTotal 告警创建总数
	AlertsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "告警创建总数",
		},
		[]string{"priority", "source"},
	)

	// SLAEscalationsTotal SLA 超时升级总数
	SLAEscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sla_escalations_total",
			Help:      "SLA 超时升级总数",
		},
		[]string{"from", "to"},
	)
)

// 任务指标
var (
	// JobExecutionsTotal 任务执行总数
	JobExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_executions_total",
			Help:      "任务执行总数",
		},
		[]string{"job", "status"}, // status: success, failed, skipped
	)

	// JobDuration 任务执行耗时
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "任务执行耗时(秒)",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"job"},
	)
)

// HTTP 与消息指标
var (
	// HTTPRequestsTotal HTTP 请求总数
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration HTTP 请求耗时
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP 请求耗时(秒)",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthFailuresTotal 鉴权失败次数
	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "鉴权失败次数",
		},
		[]string{"reason"},
	)

	// KafkaMessagesTotal Kafka 消息数
	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_total",
			Help:      "Kafka 消息数",
		},
		[]string{"topic", "direction", "result"}, // direction: produced/consumed
	)
)

// RecordDecision 记录一次决策
func RecordDecision(actionType, decision, tier string, durationSeconds float64) {
	DecisionsTotal.WithLabelValues(decision, tier).Inc()
	EvaluationDuration.WithLabelValues(actionType).Observe(durationSeconds)
}

// RecordFailOpen 记录一次故障放行
func RecordFailOpen(reason string) {
	FailOpenTotal.WithLabelValues(reason).Inc()
}

// RecordRuleEvaluation 记录规则评估
func RecordRuleEvaluation(matched, dryRun bool) {
	RuleEvaluationsTotal.WithLabelValues(strconv.FormatBool(matched), strconv.FormatBool(dryRun)).Inc()
}

// RecordRuleReload 记录规则缓存重载
func RecordRuleReload(trigger string, success bool, activeRules int) {
	result := "success"
	if !success {
		result = "failed"
	} else {
		ActiveRulesGauge.Set(float64(activeRules))
	}
	RuleCacheReloadsTotal.WithLabelValues(trigger, result).Inc()
}

// RecordEnforcement 记录处置动作
func RecordEnforcement(action string, shadow bool) {
	EnforcementActionsTotal.WithLabelValues(action, strconv.FormatBool(shadow)).Inc()
}

// RecordAlertCreated 记录告警创建
func RecordAlertCreated(priority, source string) {
	AlertsCreatedTotal.WithLabelValues(priority, source).Inc()
}

// RecordSLAEscalation 记录 SLA 升级
func RecordSLAEscalation(from, to string) {
	SLAEscalationsTotal.WithLabelValues(from, to).Inc()
}

// RecordJobExecution 记录任务执行
func RecordJobExecution(job, status string, durationSeconds float64) {
	JobExecutionsTotal.WithLabelValues(job, status).Inc()
	if status != "skipped" {
		JobDuration.WithLabelValues(job).Observe(durationSeconds)
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func RecordHTTPRequest(method, path, status string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// RecordAuthFailure 记录鉴权失败
func RecordAuthFailure(reason string) {
	AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordKafkaMessage 记录 Kafka 消息
func RecordKafkaMessage(topic, direction string, success bool) {
	result := "success"
	if !success {
		result = "failed"
	}
	KafkaMessagesTotal.WithLabelValues(topic, direction, result).Inc()
}
