package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/config"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/rules"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

// AppealLink 用户申诉入口
const AppealLink = "/appeals/submit"

// UserMessage 面向用户的通知文案
type UserMessage struct {
	Title string
	Body  string
}

var userMessages = map[string]UserMessage{
	rules.ReasonLowFirstOffense: {
		Title: "Community Guidelines Reminder",
		Body:  "We noticed activity that may conflict with our community guidelines. Please review our policies to ensure a safe experience for everyone.",
	},
	rules.ReasonLowRepeat: {
		Title: "Community Guidelines Warning",
		Body:  "We have detected repeated behavior that may violate our policies. Continued violations may result in restrictions.",
	},
	rules.ReasonMediumFirst: {
		Title: "Policy Violation Warning",
		Body:  "Your account has been flagged for behavior that violates our platform policies. This warning has been recorded.",
	},
	rules.ReasonMediumSecond: {
		Title: "Second Policy Violation",
		Body:  "This is your second policy violation. Further violations will result in temporary restrictions on your account.",
	},
	rules.ReasonMediumRepeated: {
		Title: "Temporary Account Restriction",
		Body:  "Due to repeated policy violations, your account has been temporarily restricted. You may appeal this decision.",
	},
	rules.ReasonHighEvasion: {
		Title: "Account Restriction (Pending Review)",
		Body:  "Your account has been restricted due to detected policy violations. An administrator will review your account.",
	},
	rules.ReasonHighEscalation: {
		Title: "Account Under Review",
		Body:  "Your account is being reviewed by our Trust & Safety team. You will be notified of the outcome.",
	},
	rules.ReasonCriticalSuspend: {
		Title: "Account Suspended",
		Body:  "Your account has been suspended due to serious policy violations. An administrator will review your case.",
	},
}

// MessageFor 原因码对应的通知文案, 未知原因码使用通用文案
func MessageFor(action *model.EnforcementAction) UserMessage {
	if msg, ok := userMessages[action.ReasonCode]; ok {
		return msg
	}
	return UserMessage{Title: "Account Notice", Body: action.Reason}
}

// AdminAlertPriority 处置对应的管理员告警优先级. 场景化改写后的封禁仍按 critical 处理
func AdminAlertPriority(action *model.EnforcementAction) model.AlertPriority {
	switch {
	case action.ActionType == model.ActionAccountSuspension,
		action.ActionType == model.ActionProviderSuspended,
		strings.HasPrefix(action.ReasonCode, "CRITICAL"):
		return model.AlertPriorityCritical
	case strings.HasPrefix(action.ReasonCode, "HIGH_RISK"):
		return model.AlertPriorityHigh
	case strings.HasPrefix(action.ReasonCode, "MEDIUM_RISK"):
		return model.AlertPriorityMedium
	}
	return model.AlertPriorityLow
}

// ActionExecutor 处置执行器
//
// 执行器本身不检查 "已有生效限制", 由调用方在持用户锁时判断.
type ActionExecutor struct {
	enforcements *repository.EnforcementRepository
	users        *repository.UserRepository
	cases        *repository.CaseRepository
	alerting     *AlertingEngine
	audit        *AuditService
	switches     *config.Switches
	events       EventPublisher
	now          func() time.Time
}

// NewActionExecutor 创建处置执行器
func NewActionExecutor(
	enforcements *repository.EnforcementRepository,
	users *repository.UserRepository,
	cases *repository.CaseRepository,
	alerting *AlertingEngine,
	audit *AuditService,
	switches *config.Switches,
) *ActionExecutor {
	return &ActionExecutor{
		enforcements: enforcements,
		users:        users,
		cases:        cases,
		alerting:     alerting,
		audit:        audit,
		switches:     switches,
		events:       NopPublisher{},
		now:          time.Now,
	}
}

// SetPublisher 设置事件发布端
func (x *ActionExecutor) SetPublisher(p EventPublisher) {
	x.events = p
}

// Execute 执行处置
//
// 总开关开启时跳过并返回 nil. 影子模式下记录处置与审计, 但不修改用户状态.
func (x *ActionExecutor) Execute(ctx context.Context, userID string, eval *rules.TriggerEvaluation, signalIDs []string, riskScoreID *string) (*model.EnforcementAction, error) {
	if !eval.HasAction() {
		return nil, nil
	}
	if x.switches.KillSwitch() {
		logger.Info("enforcement kill switch active, skipping action",
			zap.String("user_id", userID),
			zap.String("action", string(eval.Action)),
			zap.String("reason_code", eval.ReasonCode),
		)
		return nil, nil
	}

	shadow := x.switches.ShadowMode()
	action := &model.EnforcementAction{
		UserID:            userID,
		ActionType:        eval.Action.StoredType(),
		Reason:            eval.Reason,
		ReasonCode:        eval.ReasonCode,
		TriggeringSignals: model.StringList(signalIDs),
		RiskScoreID:       riskScoreID,
		Automated:         !eval.RequiresHumanApproval,
		RequiresApproval:  eval.RequiresHumanApproval,
		ShadowMode:        shadow,
		Metadata:          model.JSONMap(copyMeta(eval.Metadata)),
	}
	if eval.EffectiveDuration > 0 {
		until := x.now().Add(eval.EffectiveDuration).UnixMilli()
		action.EffectiveUntil = &until
	}
	if action.TriggeringSignals == nil {
		action.TriggeringSignals = model.StringList{}
	}

	if shadow {
		action.Metadata["shadow_mode"] = true
		if err := x.enforcements.Create(ctx, action); err != nil {
			logger.Error("persist shadow enforcement failed", zap.String("user_id", userID), zap.Error(err))
			return nil, err
		}
		x.audit.Log(ctx, &AuditEntry{
			ActorType:  model.ActorTypeEnforcementEngine,
			Action:     "enforcement.shadow." + string(eval.Action),
			EntityType: "user",
			EntityID:   userID,
			Details: map[string]interface{}{
				"action_id":   action.ID,
				"reason_code": eval.ReasonCode,
				"shadow_mode": true,
				"automated":   action.Automated,
			},
		})
		metrics.RecordEnforcement(string(eval.Action), true)
		x.publish(ctx, action)
		logger.Info("shadow enforcement recorded",
			zap.String("user_id", userID),
			zap.String("action", string(eval.Action)),
			zap.String("reason_code", eval.ReasonCode),
		)
		return action, nil
	}

	status := eval.Action.UserStatus()
	err := x.enforcements.Transaction(ctx, func(ctx context.Context) error {
		if err := x.enforcements.Create(ctx, action); err != nil {
			return err
		}
		if status != "" {
			return x.users.UpdateStatus(ctx, userID, status)
		}
		return nil
	})
	if err != nil {
		logger.Error("execute enforcement failed",
			zap.String("user_id", userID),
			zap.String("action", string(eval.Action)),
			zap.Error(err),
		)
		return nil, err
	}

	x.audit.Log(ctx, &AuditEntry{
		ActorType:  model.ActorTypeEnforcementEngine,
		Action:     "enforcement." + string(eval.Action),
		EntityType: "user",
		EntityID:   userID,
		Details: map[string]interface{}{
			"action_id":         action.ID,
			"reason_code":       eval.ReasonCode,
			"automated":         action.Automated,
			"requires_approval": eval.RequiresHumanApproval,
			"user_status":       string(status),
		},
	})
	metrics.RecordEnforcement(string(eval.Action), false)
	x.publish(ctx, action)
	logger.Info("enforcement applied",
		zap.String("user_id", userID),
		zap.String("action", string(eval.Action)),
		zap.String("reason_code", eval.ReasonCode),
		zap.Bool("requires_approval", eval.RequiresHumanApproval),
	)
	return action, nil
}

// NotifyUser 记录用户通知, 影子模式下不通知. 实际投递由外部完成
func (x *ActionExecutor) NotifyUser(ctx context.Context, action *model.EnforcementAction) {
	if action.ShadowMode {
		return
	}
	msg := MessageFor(action)
	x.audit.Log(ctx, &AuditEntry{
		ActorType:  model.ActorTypeNotification,
		Action:     model.AuditUserNotified,
		EntityType: "user",
		EntityID:   action.UserID,
		Details: map[string]interface{}{
			"action_id":   action.ID,
			"title":       msg.Title,
			"body":        msg.Body,
			"reason_code": action.ReasonCode,
			"appeal_link": AppealLink,
		},
	})
	logger.Info("user notified", zap.String("user_id", action.UserID), zap.String("title", msg.Title))
}

// CreateAdminAlert 为处置创建管理员告警, 同一用户同一原因码在去重窗口内只建一条
func (x *ActionExecutor) CreateAdminAlert(ctx context.Context, action *model.EnforcementAction) (string, error) {
	description := fmt.Sprintf("Automated enforcement action (%s) applied. Reason: %s.", action.ActionType, action.Reason)
	if action.ShadowMode {
		description += " [SHADOW MODE]"
	}
	return x.alerting.CreateAlert(ctx, &CreateAlertParams{
		UserID:        action.UserID,
		Priority:      AdminAlertPriority(action),
		Title:         "Enforcement: " + action.ReasonCode,
		Description:   description,
		Source:        model.AlertSourceEnforcement,
		AutoGenerated: true,
		Metadata: map[string]interface{}{
			"enforcement_action_id": action.ID,
			"action_type":           string(action.ActionType),
			"reason_code":           action.ReasonCode,
			"shadow_mode":           action.ShadowMode,
		},
		Dedupe:    true,
		DedupeKey: model.AlertSourceEnforcement + ":" + action.ReasonCode,
	})
}

// CreateEscalationCase 为需人工确认的处置开案
func (x *ActionExecutor) CreateEscalationCase(ctx context.Context, action *model.EnforcementAction, alertID string) (string, error) {
	c := &model.EscalationCase{
		UserID:              action.UserID,
		AlertID:             alertID,
		EnforcementActionID: action.ID,
		Title:               "Escalation: " + action.ReasonCode,
		Status:              "open",
		Metadata: model.JSONMap{
			"description": fmt.Sprintf("User escalated for admin review. Action: %s. Reason: %s", action.ActionType, action.Reason),
			"shadow_mode": action.ShadowMode,
		},
	}
	if err := x.cases.Create(ctx, c); err != nil {
		logger.Error("create escalation case failed", zap.String("user_id", action.UserID), zap.Error(err))
		return "", err
	}
	logger.Info("escalation case created", zap.String("case_id", c.ID), zap.String("user_id", action.UserID))
	return c.ID, nil
}

func (x *ActionExecutor) publish(ctx context.Context, action *model.EnforcementAction) {
	if err := x.events.PublishEnforcement(ctx, action); err != nil {
		logger.Warn("publish enforcement event failed", zap.String("action_id", action.ID), zap.Error(err))
	}
}

func copyMeta(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
