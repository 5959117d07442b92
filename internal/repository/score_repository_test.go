package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
)

func TestScoreRepository_Latest(t *testing.T) {
	db := setupTestDB(t)
	repo := NewScoreRepository(db)
	ctx := context.Background()

	none, err := repo.Latest(ctx, "u-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, repo.Create(ctx, &model.RiskScore{UserID: "u-1", Score: decimal.NewFromInt(20), Tier: model.TierLow, CreatedAt: 1000}))
	require.NoError(t, repo.Create(ctx, &model.RiskScore{UserID: "u-1", Score: decimal.NewFromFloat(72.5), Tier: model.TierHigh, CreatedAt: 2000}))

	latest, err := repo.Latest(ctx, "u-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, model.TierHigh, latest.Tier)
	assert.True(t, latest.Score.Equal(decimal.NewFromFloat(72.5)))
}

func TestScoreRepository_LatestPerUser(t *testing.T) {
	db := setupTestDB(t)
	repo := NewScoreRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &model.RiskScore{UserID: "u-1", Score: decimal.NewFromInt(10), Tier: model.TierMonitor, CreatedAt: 1000}))
	require.NoError(t, repo.Create(ctx, &model.RiskScore{UserID: "u-1", Score: decimal.NewFromInt(50), Tier: model.TierMedium, CreatedAt: 3000}))
	require.NoError(t, repo.Create(ctx, &model.RiskScore{UserID: "u-2", Score: decimal.NewFromInt(90), Tier: model.TierCritical, CreatedAt: 2000}))

	scores, err := repo.LatestPerUser(ctx, 10)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, "u-1", scores[0].UserID)
	assert.Equal(t, model.TierMedium, scores[0].Tier)
	assert.Equal(t, "u-2", scores[1].UserID)

	one, err := repo.LatestPerUser(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestScoreRepository_LatestStoreError(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewScoreRepository(db)
	mock.ExpectQuery(`SELECT \* FROM "risk_scores" WHERE user_id = \$1 ORDER BY created_at DESC`).
		WithArgs("u-1", 1).
		WillReturnError(errors.New("connection reset"))

	score, err := repo.Latest(context.Background(), "u-1")
	assert.Error(t, err)
	assert.Nil(t, score)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSignalRepository_RecentAndCount(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSignalRepository(db)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, &model.RiskSignal{
		UserID: "u-1", SignalType: "off_platform", Confidence: decimal.NewFromFloat(0.9),
		PatternFlags: model.StringList{model.FlagEscalationPattern}, CreatedAt: now.Add(-time.Hour).UnixMilli(),
	}))
	require.NoError(t, repo.Create(ctx, &model.RiskSignal{
		UserID: "u-1", SignalType: "contact_leak", Confidence: decimal.NewFromFloat(0.5),
		CreatedAt: now.Add(-48 * time.Hour).UnixMilli(),
	}))

	recent, err := repo.Recent(ctx, "u-1", now.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].PatternFlags.Contains(model.FlagEscalationPattern))

	count, err := repo.CountSince(ctx, "u-1", now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
