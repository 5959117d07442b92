package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	bizerr "github.com/eidos-exchange/eidos/eidos-trust/pkg/errors"
)

func bookingRequest(userID string) *EvaluateRequest {
	return &EvaluateRequest{ActionType: ActionBookingCreate, UserID: userID}
}

func TestEvaluateRequest_Validate(t *testing.T) {
	valid := uuid.NewString()
	bad := "not-a-uuid"

	assert.NoError(t, (&EvaluateRequest{ActionType: ActionPaymentInitiate, UserID: valid}).Validate())
	assert.NoError(t, (&EvaluateRequest{ActionType: ActionProviderRegister, UserID: valid, CounterpartyID: &valid}).Validate())

	for _, req := range []*EvaluateRequest{
		{ActionType: "booking.cancel", UserID: valid},
		{ActionType: ActionBookingCreate, UserID: bad},
		{ActionType: ActionBookingCreate, UserID: valid, CounterpartyID: &bad},
	} {
		err := req.Validate()
		require.Error(t, err)
		assert.Equal(t, "INVALID_REQUEST", bizerr.GetCode(err))
	}
}

func TestPipeline_NoScoreAllows(t *testing.T) {
	env := newTestEnv(t)
	userID := env.seedUser(t, 0, "")

	resp := env.pipeline.Evaluate(context.Background(), bookingRequest(userID))
	assert.Equal(t, model.DecisionAllow, resp.Decision)
	assert.Contains(t, resp.Reason, "No risk score")
	assert.Nil(t, resp.EnforcementID)

	logs, err := env.evalLogs.ListByUser(context.Background(), userID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.DecisionAllow, logs[0].Decision)
}

func TestPipeline_LowScoreAllows(t *testing.T) {
	env := newTestEnv(t)
	userID := env.seedUser(t, 25, model.TierLow)

	resp := env.pipeline.Evaluate(context.Background(), bookingRequest(userID))
	assert.Equal(t, model.DecisionAllow, resp.Decision)
	assert.Equal(t, ReasonAcceptable, resp.Reason)
	assert.Equal(t, 25.0, resp.RiskScore)
	assert.Equal(t, model.TierLow, resp.RiskTier)
	assert.Empty(t, resp.Signals)
}

func TestPipeline_ShadowModeNeverBlocks(t *testing.T) {
	env := newTestEnv(t)
	env.switches.Apply(shadowConfig(true))
	userID := env.seedUser(t, 55, model.TierMedium)

	resp := env.pipeline.Evaluate(context.Background(), bookingRequest(userID))
	assert.Equal(t, model.DecisionAllow, resp.Decision)
	assert.Contains(t, resp.Reason, "[SHADOW]")
	require.NotNil(t, resp.EnforcementID)

	action, err := env.enforcements.GetByID(context.Background(), *resp.EnforcementID)
	require.NoError(t, err)
	assert.True(t, action.ShadowMode)
	assert.Equal(t, model.ActionBookingFlagged, action.ActionType)
	assert.Equal(t, model.UserStatusActive, env.reloadUser(t, userID).Status)

	var alerts int64
	require.NoError(t, env.db.Model(&model.Alert{}).Count(&alerts).Error)
	assert.Zero(t, alerts, "shadow mode creates no admin alert")
}

func TestPipeline_HighScoreBlocksAndEnforces(t *testing.T) {
	env := newTestEnv(t)
	userID := env.seedUser(t, 90, model.TierCritical)

	resp := env.pipeline.Evaluate(context.Background(), bookingRequest(userID))
	assert.Equal(t, model.DecisionBlock, resp.Decision)
	assert.Contains(t, resp.Reason, "exceeds safe threshold")
	require.NotNil(t, resp.EnforcementID)

	action, err := env.enforcements.GetByID(context.Background(), *resp.EnforcementID)
	require.NoError(t, err)
	assert.Equal(t, model.ActionBookingBlocked, action.ActionType)
	assert.True(t, action.RequiresApproval)
	assert.False(t, action.Automated)
	assert.Equal(t, model.UserStatusRestricted, env.reloadUser(t, userID).Status)

	var alert model.Alert
	require.NoError(t, env.db.Where("source = ?", model.AlertSourceEnforcement).First(&alert).Error)
	assert.Equal(t, "Enforcement: CRITICAL_RISK_SUSPEND", alert.Title)
	assert.Equal(t, model.AlertPriorityCritical, alert.Priority)
}

func TestPipeline_FlagBand(t *testing.T) {
	env := newTestEnv(t)
	userID := env.seedUser(t, 55, model.TierMedium)

	resp := env.pipeline.Evaluate(context.Background(), &EvaluateRequest{ActionType: ActionPaymentInitiate, UserID: userID})
	assert.Equal(t, model.DecisionFlag, resp.Decision)
	assert.Equal(t, "Risk score 55 requires review", resp.Reason)
	require.NotNil(t, resp.EnforcementID)

	action, err := env.enforcements.GetByID(context.Background(), *resp.EnforcementID)
	require.NoError(t, err)
	assert.Equal(t, model.ActionPaymentHeld, action.ActionType)
}

func TestPipeline_ActiveRestrictionIsNotStacked(t *testing.T) {
	env := newTestEnv(t)
	userID := env.seedUser(t, 90, model.TierCritical)

	first := env.pipeline.Evaluate(context.Background(), bookingRequest(userID))
	assert.Equal(t, model.DecisionBlock, first.Decision)
	require.NotNil(t, first.EnforcementID)

	history, err := env.enforcements.History(context.Background(), userID, time.Now())
	require.NoError(t, err)
	assert.True(t, history.HasActiveRestriction, "booking_blocked counts as a restriction")

	second := env.pipeline.Evaluate(context.Background(), bookingRequest(userID))
	assert.Equal(t, model.DecisionBlock, second.Decision)
	assert.Nil(t, second.EnforcementID)

	history, err = env.enforcements.History(context.Background(), userID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, history.TotalActions)
}

func TestPipeline_KillSwitch(t *testing.T) {
	env := newTestEnv(t)
	cfg := shadowConfig(false)
	cfg.EnforcementKillSwitch = true
	env.switches.Apply(cfg)
	userID := env.seedUser(t, 95, model.TierCritical)

	resp := env.pipeline.Evaluate(context.Background(), bookingRequest(userID))
	assert.Equal(t, model.DecisionAllow, resp.Decision)
	assert.Equal(t, ReasonKillSwitch, resp.Reason)

	history, err := env.enforcements.History(context.Background(), userID, time.Now())
	require.NoError(t, err)
	assert.Zero(t, history.TotalActions)
}

func TestPipeline_RuleOverrideBlocks(t *testing.T) {
	env := newTestEnv(t)
	userID := env.seedUser(t, 25, model.TierLow)

	cond, _ := json.Marshal(map[string]interface{}{"field": "score", "operator": "gte", "value": 20})
	require.NoError(t, env.rules.Create(context.Background(), &model.DetectionRule{
		Name:              "block-bookings",
		RuleType:          model.RuleTypeEnforcementTrigger,
		TriggerEventTypes: model.StringList{"booking.created"},
		Conditions:        model.JSONRaw(cond),
		Actions: model.RuleActions{
			{Type: model.RuleActionCreateEnforcement, ActionType: string(model.ActionBookingBlocked)},
		},
		Priority: 10,
		Enabled:  true,
	}))

	resp := env.pipeline.Evaluate(context.Background(), bookingRequest(userID))
	assert.Equal(t, model.DecisionBlock, resp.Decision)
	assert.Contains(t, resp.Reason, "block-bookings")

	logs, err := env.matchLogs.ListByRule(context.Background(), mustFirstRuleID(t, env), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Matched)
}

func TestPipeline_RuleSideEffectsRunOnAllow(t *testing.T) {
	env := newTestEnv(t)
	userID := env.seedUser(t, 25, model.TierLow)

	delta := 10.0
	cond, _ := json.Marshal(map[string]interface{}{"all": []interface{}{}})
	require.NoError(t, env.rules.Create(context.Background(), &model.DetectionRule{
		Name:              "bump",
		RuleType:          model.RuleTypeScoringAdjustment,
		TriggerEventTypes: model.StringList{"transaction.initiated"},
		Conditions:        model.JSONRaw(cond),
		Actions: model.RuleActions{
			{Type: model.RuleActionAdjustScore, Delta: &delta},
		},
		Priority: 10,
		Enabled:  true,
	}))

	resp := env.pipeline.Evaluate(context.Background(), &EvaluateRequest{ActionType: ActionPaymentInitiate, UserID: userID})
	assert.Equal(t, model.DecisionAllow, resp.Decision)

	latest, err := env.scores.Latest(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, "35", latest.Score.String())
	assert.Equal(t, ruleAdjustmentModelVersion, latest.ModelVersion)
}

func TestPipeline_StoreFailureFailsOpen(t *testing.T) {
	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB, DriverName: "postgres"}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	env := newTestEnvWithDB(t, db)
	resp := env.pipeline.Evaluate(context.Background(), bookingRequest(uuid.NewString()))
	assert.Equal(t, model.DecisionAllow, resp.Decision)
	assert.Contains(t, resp.Reason, "fail-open")
	assert.Equal(t, model.TierUnknown, resp.RiskTier)
	assert.Nil(t, resp.EnforcementID)
}

// slowQueries 让指定表的查询阻塞到 ctx 结束
func slowQueries(t *testing.T, db *gorm.DB, table string) {
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("test:slow_"+table, func(tx *gorm.DB) {
		if tx.Statement.Table != table {
			return
		}
		select {
		case <-tx.Statement.Context.Done():
		case <-time.After(2 * time.Second):
		}
	}))
}

func TestPipeline_TimeoutFailsOpen(t *testing.T) {
	env := newTestEnv(t)
	userID := env.seedUser(t, 90, model.TierCritical)
	slowQueries(t, env.db, model.RiskScore{}.TableName())

	cfg := testTrustConfig()
	cfg.EvaluateTimeout = 50 * time.Millisecond
	pipeline := NewEvaluationPipeline(cfg, env.pipeline.deps)

	resp := pipeline.Evaluate(context.Background(), bookingRequest(userID))
	assert.Equal(t, model.DecisionAllow, resp.Decision)
	assert.Contains(t, resp.Reason, "fail-open")
	assert.Less(t, resp.EvaluationTimeMs, int64(1000))

	logs, err := env.evalLogs.ListByUser(context.Background(), userID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.DecisionAllow, logs[0].Decision)
	assert.Contains(t, logs[0].Reason, "fail-open")

	// 超时后不再补写处置
	time.Sleep(100 * time.Millisecond)
	history, err := env.enforcements.History(context.Background(), userID, time.Now())
	require.NoError(t, err)
	assert.Zero(t, history.TotalActions)
}

func TestPipeline_TimeoutDuringEnforcementSkipsAction(t *testing.T) {
	env := newTestEnv(t)
	userID := env.seedUser(t, 90, model.TierCritical)
	// 历史查询完成后再等到超时, 模拟处置前调用方已放行
	require.NoError(t, env.db.Callback().Query().After("gorm:query").Register("test:slow_history", func(tx *gorm.DB) {
		if tx.Statement.Table == (model.EnforcementAction{}).TableName() && strings.Contains(tx.Statement.SQL.String(), "reversed_at") {
			<-tx.Statement.Context.Done()
		}
	}))

	cfg := testTrustConfig()
	cfg.EvaluateTimeout = 50 * time.Millisecond
	pipeline := NewEvaluationPipeline(cfg, env.pipeline.deps)

	resp := pipeline.Evaluate(context.Background(), bookingRequest(userID))
	assert.Equal(t, model.DecisionAllow, resp.Decision)
	assert.Contains(t, resp.Reason, "fail-open")

	time.Sleep(100 * time.Millisecond)
	var actions int64
	require.NoError(t, env.db.Model(&model.EnforcementAction{}).Where("user_id = ?", userID).Count(&actions).Error)
	assert.Zero(t, actions)
	assert.Equal(t, model.UserStatusActive, env.reloadUser(t, userID).Status)
}

func TestPipeline_PanicFailsOpen(t *testing.T) {
	env := newTestEnv(t)
	userID := env.seedUser(t, 55, model.TierMedium)

	deps := env.pipeline.deps
	deps.Enforcements = nil
	pipeline := NewEvaluationPipeline(testTrustConfig(), deps)

	var resp *EvaluateResponse
	require.NotPanics(t, func() {
		resp = pipeline.Evaluate(context.Background(), bookingRequest(userID))
	})
	assert.Equal(t, model.DecisionAllow, resp.Decision)
	assert.Contains(t, resp.Reason, "fail-open")

	logs, err := env.evalLogs.ListByUser(context.Background(), userID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Reason, "fail-open")
}

func TestPatternFlags_Dedupes(t *testing.T) {
	flags := patternFlags([]*model.RiskSignal{
		{PatternFlags: model.StringList{"A", "B"}},
		{PatternFlags: model.StringList{"B", "C"}},
	})
	assert.Equal(t, []string{"A", "B", "C"}, flags)
	assert.Equal(t, []string{}, patternFlags(nil))
}

func mustFirstRuleID(t *testing.T, env *testEnv) string {
	var rule model.DetectionRule
	require.NoError(t, env.db.First(&rule).Error)
	return rule.ID
}
