package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/service"
)

type stubLister struct {
	alerts []*model.Alert
	err    error
	limit  int
}

func (l *stubLister) ListBreached(ctx context.Context, now time.Time, limit int) ([]*model.Alert, error) {
	l.limit = limit
	return l.alerts, l.err
}

type stubEscalator struct {
	failures map[string]error
	seen     []string
}

func (e *stubEscalator) EscalateBreached(ctx context.Context, alert *model.Alert) (*service.EscalationResult, error) {
	e.seen = append(e.seen, alert.ID)
	if err := e.failures[alert.ID]; err != nil {
		return nil, err
	}
	to := service.EscalatePriority(alert.Priority)
	return &service.EscalationResult{From: alert.Priority, To: to, Child: &model.Alert{ID: alert.ID + "-child", Priority: to}}, nil
}

func TestSLAEscalationJob_IsolatesFailures(t *testing.T) {
	lister := &stubLister{alerts: []*model.Alert{
		{ID: "a1", Priority: model.AlertPriorityLow},
		{ID: "a2", Priority: model.AlertPriorityMedium},
		{ID: "a3", Priority: model.AlertPriorityHigh},
		{ID: "a4", Priority: model.AlertPriorityLow},
	}}
	escalator := &stubEscalator{failures: map[string]error{
		"a2": errors.New("deadlock detected"),
		"a3": repository.ErrAlertAlreadyEscalated,
	}}
	job := NewSLAEscalationJob(lister, escalator, 0, 0)

	result, err := job.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, defaultSLABatchSize, lister.limit)
	assert.Equal(t, []string{"a1", "a2", "a3", "a4"}, escalator.seen)
	assert.Equal(t, 4, result.ProcessedCount)
	assert.Equal(t, 2, result.AffectedCount)
	assert.Equal(t, 1, result.ErrorCount)
	assert.Equal(t, 1, result.Details["skipped"])
}

func TestSLAEscalationJob_ListFailure(t *testing.T) {
	job := NewSLAEscalationJob(&stubLister{err: errors.New("connection refused")}, &stubEscalator{}, 10, time.Minute)
	_, err := job.Execute(context.Background())
	assert.Error(t, err)
}

func TestSLAEscalationJob_StopsOnCancel(t *testing.T) {
	lister := &stubLister{alerts: []*model.Alert{{ID: "a1", Priority: model.AlertPriorityLow}}}
	escalator := &stubEscalator{}
	job := NewSLAEscalationJob(lister, escalator, 10, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := job.Execute(ctx)
	require.NoError(t, err)
	assert.Empty(t, escalator.seen)
	assert.Zero(t, result.AffectedCount)
}

func TestSLAEscalationJob_EscalatesOncePerTick(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(model.All()...))
	t.Cleanup(func() { sqlDB.Close() })

	alerts := repository.NewAlertRepository(db)
	audit := service.NewAuditService(repository.NewAuditLogRepository(db))
	engine := service.NewAlertingEngine(alerts, repository.NewSubscriptionRepository(db), repository.NewUserRepository(db), audit, nil)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).UnixMilli()
	future := time.Now().Add(time.Hour).UnixMilli()
	seed := []*model.Alert{
		{Priority: model.AlertPriorityLow, Status: model.AlertStatusOpen, SLADeadline: past - 1000},
		{Priority: model.AlertPriorityHigh, Status: model.AlertStatusInProgress, SLADeadline: past},
		{Priority: model.AlertPriorityCritical, Status: model.AlertStatusOpen, SLADeadline: past},
		{Priority: model.AlertPriorityLow, Status: model.AlertStatusOpen, SLADeadline: future},
		{Priority: model.AlertPriorityLow, Status: model.AlertStatusResolved, SLADeadline: past},
	}
	for _, a := range seed {
		a.Title = "seed"
		a.Source = model.AlertSourceThreshold
		require.NoError(t, alerts.Create(ctx, a))
	}

	job := NewSLAEscalationJob(alerts, engine, 50, time.Minute)
	result, err := job.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.ProcessedCount)
	assert.Equal(t, 2, result.AffectedCount)

	low, err := alerts.GetByID(ctx, seed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertPriorityMedium, low.Priority)
	high, err := alerts.GetByID(ctx, seed[1].ID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertPriorityCritical, high.Priority)

	children, err := alerts.Children(ctx, seed[1].ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, model.AlertPriorityCritical, children[0].Priority)

	// 新截止时间均在未来, 下一轮不再升级
	result, err = job.Execute(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.ProcessedCount)
}
