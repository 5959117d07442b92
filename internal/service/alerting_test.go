package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/repository"
	bizerr "github.com/eidos-exchange/eidos/eidos-trust/pkg/errors"
)

func TestEscalatePriority(t *testing.T) {
	p := model.AlertPriorityLow
	var chain []model.AlertPriority
	for i := 0; i < 3; i++ {
		p = EscalatePriority(p)
		chain = append(chain, p)
	}
	assert.Equal(t, []model.AlertPriority{model.AlertPriorityMedium, model.AlertPriorityHigh, model.AlertPriorityCritical}, chain)
	assert.Equal(t, model.AlertPriorityCritical, EscalatePriority(model.AlertPriorityCritical))
}

func TestComputeSLADeadline(t *testing.T) {
	now := time.Now()
	assert.WithinDuration(t, now.Add(time.Hour), ComputeSLADeadline(model.AlertPriorityCritical, now), time.Second)
	assert.WithinDuration(t, now.Add(72*time.Hour), ComputeSLADeadline(model.AlertPriorityLow, now), time.Second)
	assert.WithinDuration(t, now.Add(24*time.Hour), ComputeSLADeadline("urgent", now), time.Second)
}

func TestSubscriptionMatches(t *testing.T) {
	f := &model.FilterCriteria{
		Priority: []string{"high", "critical"},
		Source:   []string{"enforcement"},
		Category: []string{"cleaning"},
	}
	assert.True(t, subscriptionMatches(f, "high", "enforcement", "cleaning", "provider"))
	assert.True(t, subscriptionMatches(f, "critical", "enforcement", "", ""), "missing category passes")
	assert.False(t, subscriptionMatches(f, "low", "enforcement", "cleaning", ""))
	assert.False(t, subscriptionMatches(f, "high", "sla", "cleaning", ""))
	assert.False(t, subscriptionMatches(f, "high", "enforcement", "tutoring", ""))
	assert.True(t, subscriptionMatches(&model.FilterCriteria{}, "high", "enforcement", "", ""), "empty filter is a wildcard")
}

func TestAlertingEngine_CreateAlertNotifiesSubscribers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.subService.Create(ctx, "admin-1", &SubscriptionInput{
		Name:           "critical enforcement",
		FilterCriteria: model.FilterCriteria{Priority: []string{"critical"}, Source: []string{"enforcement"}},
		Channels:       []string{model.ChannelEmail, model.ChannelSlack},
	})
	require.NoError(t, err)

	id, err := env.alerting.CreateAlert(ctx, &CreateAlertParams{
		UserID:   "u-1",
		Priority: model.AlertPriorityCritical,
		Title:    "Enforcement: CRITICAL_RISK_SUSPEND",
		Source:   model.AlertSourceEnforcement,
	})
	require.NoError(t, err)

	alert, err := env.alerting.GetAlert(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusOpen, alert.Status)
	assert.WithinDuration(t, time.Now().Add(time.Hour), time.UnixMilli(alert.SLADeadline), 5*time.Second)

	assert.Equal(t, []string{
		model.AuditAlertNotificationSent,
		model.AuditAlertNotificationSent,
		model.AuditAlertCreated,
	}, env.auditActions(t, id))
}

func TestAlertingEngine_Dedupe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	params := &CreateAlertParams{
		UserID:    "u-1",
		Priority:  model.AlertPriorityMedium,
		Title:     "Enforcement: MEDIUM_RISK_FIRST",
		Source:    model.AlertSourceEnforcement,
		Dedupe:    true,
		DedupeKey: "enforcement:MEDIUM_RISK_FIRST",
	}

	first, err := env.alerting.CreateAlert(ctx, params)
	require.NoError(t, err)
	second, err := env.alerting.CreateAlert(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other := *params
	other.DedupeKey = "enforcement:MEDIUM_RISK_SECOND"
	third, err := env.alerting.CreateAlert(ctx, &other)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)

	var count int64
	require.NoError(t, env.db.Model(&model.Alert{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestAlertingEngine_DedupeAwaitsConcurrentCreate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	params := &CreateAlertParams{
		UserID:    "u-1",
		Priority:  model.AlertPriorityMedium,
		Title:     "Enforcement: MEDIUM_RISK_FIRST",
		Source:    model.AlertSourceEnforcement,
		Dedupe:    true,
		DedupeKey: "enforcement:MEDIUM_RISK_FIRST",
	}
	key := "eidos:trust:alert:dedupe:u-1:enforcement:MEDIUM_RISK_FIRST"

	// 另一请求占位后迟迟未提交
	require.NoError(t, env.mr.Set(key, "pending"))
	id, err := env.alerting.CreateAlert(ctx, params)
	assert.ErrorIs(t, err, ErrAlertCreationInProgress)
	assert.Empty(t, id)

	// 占位期间提交了 ID, 返回已有告警
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = env.mr.Set(key, "alert-123")
	}()
	id, err = env.alerting.CreateAlert(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, "alert-123", id)

	var count int64
	require.NoError(t, env.db.Model(&model.Alert{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestAlertingEngine_DedupeUnavailableStillCreates(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Close()

	id, err := env.alerting.CreateAlert(context.Background(), &CreateAlertParams{
		UserID:   "u-1",
		Priority: model.AlertPriorityLow,
		Title:    "t",
		Source:   model.AlertSourceEnforcement,
		Dedupe:   true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestAlertingEngine_EscalateBreached(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.alerting.CreateAlert(ctx, &CreateAlertParams{
		UserID:   "u-1",
		Priority: model.AlertPriorityLow,
		Title:    "Suspicious bookings",
		Source:   model.AlertSourceThreshold,
	})
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, env.db.Model(&model.Alert{}).Where("id = ?", id).Update("sla_deadline", past).Error)

	breached, err := env.alerts.ListBreached(ctx, time.Now(), 50)
	require.NoError(t, err)
	require.Len(t, breached, 1)
	stale := *breached[0]

	result, err := env.alerting.EscalateBreached(ctx, breached[0])
	require.NoError(t, err)
	assert.Equal(t, model.AlertPriorityLow, result.From)
	assert.Equal(t, model.AlertPriorityMedium, result.To)
	assert.Equal(t, "SLA Breach: Alert "+id[:8]+" escalated from low to medium", result.Child.Title)
	assert.Equal(t, model.AlertSourceSLA, result.Child.Source)
	require.NotNil(t, result.Child.ParentAlertID)
	assert.Equal(t, id, *result.Child.ParentAlertID)

	original, err := env.alerting.GetAlert(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.AlertPriorityMedium, original.Priority)
	assert.Equal(t, 1, original.EscalationCount)
	assert.Greater(t, original.SLADeadline, time.Now().UnixMilli())
	assert.Contains(t, env.auditActions(t, id), model.AuditAlertSLABreached)

	// 同一快照再次升级会被 CAS 拒绝
	_, err = env.alerting.EscalateBreached(ctx, &stale)
	assert.ErrorIs(t, err, repository.ErrAlertAlreadyEscalated)

	children, err := env.alerts.Children(ctx, id)
	require.NoError(t, err)
	assert.Len(t, children, 1)

	_, err = env.alerting.GetAlert(ctx, "missing")
	assert.ErrorIs(t, err, bizerr.ErrAlertNotFound)
}

func TestAlertingEngine_ListAlerts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, p := range []model.AlertPriority{model.AlertPriorityLow, model.AlertPriorityHigh} {
		_, err := env.alerting.CreateAlert(ctx, &CreateAlertParams{Priority: p, Title: "t", Source: model.AlertSourceTrend})
		require.NoError(t, err)
	}

	page := repository.NewPagination(1, 10)
	alerts, err := env.alerting.ListAlerts(ctx, &repository.AlertFilter{Priority: model.AlertPriorityHigh}, page)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, int64(1), page.Total)
}
