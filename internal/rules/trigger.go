package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
)

// 处置原因码
const (
	ReasonMonitorOnly     = "MONITOR_ONLY"
	ReasonLowFirstOffense = "LOW_RISK_FIRST_OFFENSE"
	ReasonLowRepeat       = "LOW_RISK_REPEAT"
	ReasonMediumFirst     = "MEDIUM_RISK_FIRST"
	ReasonMediumSecond    = "MEDIUM_RISK_SECOND"
	ReasonMediumRepeated  = "MEDIUM_RISK_REPEATED"
	ReasonHighEvasion     = "HIGH_RISK_EVASION"
	ReasonHighEscalation  = "HIGH_RISK_ESCALATION"
	ReasonCriticalSuspend = "CRITICAL_RISK_SUSPEND"
	ReasonUnknownTier     = "UNKNOWN_TIER"
)

// 含该子串的模式标记视为规避行为
const obfuscationFlagSubstring = "obfuscation"

// EventContext 事件所属业务场景
type EventContext string

const (
	ContextBooking  EventContext = "booking"
	ContextPayment  EventContext = "payment"
	ContextProvider EventContext = "provider"
	ContextMessage  EventContext = "message"
	ContextGeneral  EventContext = "general"
)

// TriggerEvaluation 处置决策结果. Action 为空表示不处置
type TriggerEvaluation struct {
	Action                model.ActionType
	RequiresHumanApproval bool
	Reason                string
	ReasonCode            string
	EffectiveDuration     time.Duration // 0 表示无截止时间
	Metadata              map[string]interface{}
}

// HasAction 是否需要执行动作
func (e *TriggerEvaluation) HasAction() bool {
	return e != nil && e.Action != model.ActionNone
}

// EvaluateTrigger 按风险等级, 处置历史与模式标记决定动作
//
// 自动化不会产生永久封禁: 封禁与 high 等级动作都要求人工确认.
func EvaluateTrigger(tier model.RiskTier, history model.EnforcementHistory, patternFlags []string) *TriggerEvaluation {
	meta := map[string]interface{}{"tier": string(tier), "historyCount": history.TotalActions}

	switch tier {
	case model.TierMonitor:
		return &TriggerEvaluation{
			Reason:     "User is in monitor tier; no action required.",
			ReasonCode: ReasonMonitorOnly,
			Metadata:   map[string]interface{}{"tier": string(tier)},
		}

	case model.TierLow:
		if history.RecentActions == 0 {
			return &TriggerEvaluation{
				Action:     model.ActionSoftWarning,
				Reason:     "Low-risk behavior detected. This is an informational warning.",
				ReasonCode: ReasonLowFirstOffense,
				Metadata:   meta,
			}
		}
		return &TriggerEvaluation{
			Action:     model.ActionHardWarning,
			Reason:     "Repeated low-risk behavior detected. This warning is logged.",
			ReasonCode: ReasonLowRepeat,
			Metadata:   meta,
		}

	case model.TierMedium:
		switch history.RecentActions {
		case 0:
			return &TriggerEvaluation{
				Action:     model.ActionHardWarning,
				Reason:     "Medium-risk behavior detected. This warning is logged.",
				ReasonCode: ReasonMediumFirst,
				Metadata:   meta,
			}
		case 1:
			return &TriggerEvaluation{
				Action:     model.ActionHardWarning,
				Reason:     "Second medium-risk violation detected.",
				ReasonCode: ReasonMediumSecond,
				Metadata:   meta,
			}
		}
		return &TriggerEvaluation{
			Action:            model.ActionTemporaryRestriction,
			Reason:            "Multiple medium-risk violations detected. Temporary restriction applied.",
			ReasonCode:        ReasonMediumRepeated,
			EffectiveDuration: 24 * time.Hour,
			Metadata:          meta,
		}

	case model.TierHigh:
		if hasEvasion(patternFlags) || history.RecentActions >= 2 {
			meta["patternFlags"] = patternFlags
			return &TriggerEvaluation{
				Action:                model.ActionTemporaryRestriction,
				RequiresHumanApproval: true,
				Reason:                "High-risk behavior with evasion/escalation pattern detected. Admin review required.",
				ReasonCode:            ReasonHighEvasion,
				EffectiveDuration:     72 * time.Hour,
				Metadata:              meta,
			}
		}
		return &TriggerEvaluation{
			Action:                model.ActionAdminEscalation,
			RequiresHumanApproval: true,
			Reason:                "High-risk behavior detected. Escalated for admin review.",
			ReasonCode:            ReasonHighEscalation,
			Metadata:              meta,
		}

	case model.TierCritical:
		meta["patternFlags"] = patternFlags
		return &TriggerEvaluation{
			Action:                model.ActionAccountSuspension,
			RequiresHumanApproval: true,
			Reason:                "Critical-risk behavior detected. Account suspended pending admin review.",
			ReasonCode:            ReasonCriticalSuspend,
			Metadata:              meta,
		}
	}

	// 未知等级不处置
	return &TriggerEvaluation{
		Reason:     fmt.Sprintf("Unrecognized risk tier %q; no action taken.", tier),
		ReasonCode: ReasonUnknownTier,
		Metadata:   map[string]interface{}{"tier": string(tier)},
	}
}

func hasEvasion(flags []string) bool {
	for _, f := range flags {
		if f == model.FlagEscalationPattern || strings.Contains(f, obfuscationFlagSubstring) {
			return true
		}
	}
	return false
}

// EventTypeToContext 由事件类型前缀推断业务场景
func EventTypeToContext(eventType string) EventContext {
	switch {
	case strings.HasPrefix(eventType, "booking."), strings.HasPrefix(eventType, "dispute."):
		return ContextBooking
	case strings.HasPrefix(eventType, "wallet."),
		strings.HasPrefix(eventType, "transaction."),
		strings.HasPrefix(eventType, "refund."):
		return ContextPayment
	case strings.HasPrefix(eventType, "provider."):
		return ContextProvider
	case strings.HasPrefix(eventType, "message."):
		return ContextMessage
	}
	return ContextGeneral
}

// EvaluateContextualTrigger 先按决策表求值, 再替换为场景化动作
func EvaluateContextualTrigger(tier model.RiskTier, history model.EnforcementHistory, patternFlags []string, ec EventContext) *TriggerEvaluation {
	return applyContext(EvaluateTrigger(tier, history, patternFlags), ec, history)
}

func applyContext(base *TriggerEvaluation, ec EventContext, history model.EnforcementHistory) *TriggerEvaluation {
	if !base.HasAction() || ec == ContextGeneral {
		return base
	}

	restriction := base.Action == model.ActionTemporaryRestriction || base.Action == model.ActionAccountSuspension
	out := *base

	switch ec {
	case ContextBooking:
		if restriction {
			out.Action = model.ActionBookingBlocked
		} else if base.Action == model.ActionHardWarning {
			out.Action = model.ActionBookingFlagged
		}
	case ContextPayment:
		if restriction {
			out.Action = model.ActionPaymentBlocked
		} else if base.Action == model.ActionHardWarning {
			out.Action = model.ActionPaymentHeld
		}
	case ContextProvider:
		if restriction {
			out.Action = model.ActionProviderSuspended
			out.RequiresHumanApproval = true
		} else if base.Action == model.ActionHardWarning {
			out.Action = model.ActionProviderDemoted
		}
	case ContextMessage:
		if base.Action == model.ActionHardWarning && history.TotalActions > 0 {
			out.Action = model.ActionMessageThrottled
		}
	}
	return &out
}

// RuleToTriggerEvaluation 将规则的 create_enforcement 动作转换为处置决策
func RuleToTriggerEvaluation(rule *model.DetectionRule, action model.RuleAction) *TriggerEvaluation {
	actionType := model.ActionType(action.ActionType)
	if actionType == model.ActionNone {
		actionType = model.ActionAdminEscalation
	}

	approval := actionType == model.ActionAccountSuspension ||
		actionType == model.ActionAdminEscalation ||
		actionType == model.ActionProviderSuspended

	eval := &TriggerEvaluation{
		Action:                actionType,
		RequiresHumanApproval: approval,
		Reason:                fmt.Sprintf("Rule \"%s\" triggered: %s", rule.Name, rule.DescriptionOr("no description")),
		ReasonCode:            "RULE_" + strings.ToUpper(prefix(rule.ID, 8)),
		Metadata: map[string]interface{}{
			"ruleId":      rule.ID,
			"ruleName":    rule.Name,
			"ruleVersion": rule.Version,
		},
	}
	if actionType == model.ActionTemporaryRestriction {
		eval.EffectiveDuration = 24 * time.Hour
	}
	return eval
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
