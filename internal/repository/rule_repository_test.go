package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
)

func newTestRule(name string, priority int) *model.DetectionRule {
	return &model.DetectionRule{
		Name:              name,
		RuleType:          model.RuleTypeEnforcementTrigger,
		TriggerEventTypes: model.StringList{"booking.created"},
		Conditions:        model.JSONRaw(`{"field":"score","operator":"gte","value":70}`),
		Actions:           model.RuleActions{{Type: model.RuleActionCreateEnforcement, ActionType: "hard_warning"}},
		Priority:          priority,
		Enabled:           true,
		CreatedBy:         "admin-1",
	}
}

func TestRuleRepository_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRuleRepository(db)
	ctx := context.Background()

	rule := newTestRule("high score", 0)
	require.NoError(t, repo.Create(ctx, rule))
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, 1, rule.Version)

	got, err := repo.GetByID(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "high score", got.Name)
	assert.Equal(t, 0, got.Priority)
	assert.True(t, got.HandlesEvent("booking.created"))
	require.Len(t, got.Actions, 1)
	assert.Equal(t, model.RuleActionCreateEnforcement, got.Actions[0].Type)
	assert.JSONEq(t, `{"field":"score","operator":"gte","value":70}`, string(got.Conditions))

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestRuleRepository_SupersedeAndHistory(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRuleRepository(db)
	ctx := context.Background()

	v1 := newTestRule("rule", 10)
	require.NoError(t, repo.Create(ctx, v1))

	v2 := newTestRule("rule v2", 10)
	require.NoError(t, repo.Supersede(ctx, v1, v2))
	assert.Equal(t, 2, v2.Version)
	require.NotNil(t, v2.PreviousVersionID)
	assert.Equal(t, v1.ID, *v2.PreviousVersionID)

	old, err := repo.GetByID(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, old.Enabled)

	chain, err := repo.History(ctx, v2.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, v2.ID, chain[0].ID)
	assert.Equal(t, v1.ID, chain[1].ID)
	assert.Nil(t, chain[1].PreviousVersionID)

	// 旧版本已停用, 不能再次派生
	v3 := newTestRule("rule v3", 10)
	assert.ErrorIs(t, repo.Supersede(ctx, old, v3), ErrRuleNotCurrent)
}

func TestRuleRepository_HistoryCycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRuleRepository(db)
	ctx := context.Background()

	a := newTestRule("a", 1)
	b := newTestRule("b", 1)
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.Create(ctx, b))
	require.NoError(t, db.Model(&model.DetectionRule{}).Where("id = ?", a.ID).Update("previous_version_id", b.ID).Error)
	require.NoError(t, db.Model(&model.DetectionRule{}).Where("id = ?", b.ID).Update("previous_version_id", a.ID).Error)

	_, err := repo.History(ctx, a.ID)
	assert.Error(t, err)
}

func TestRuleRepository_ListLatest(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRuleRepository(db)
	ctx := context.Background()

	v1 := newTestRule("chain", 50)
	require.NoError(t, repo.Create(ctx, v1))
	require.NoError(t, repo.Supersede(ctx, v1, newTestRule("chain v2", 50)))

	first := newTestRule("first", 1)
	require.NoError(t, repo.Create(ctx, first))

	alert := newTestRule("alert", 5)
	alert.RuleType = model.RuleTypeAlertThreshold
	require.NoError(t, repo.Create(ctx, alert))

	page := NewPagination(1, 20)
	rules, err := repo.ListLatest(ctx, nil, page)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	require.Len(t, rules, 3)
	assert.Equal(t, "first", rules[0].Name)
	assert.Equal(t, "alert", rules[1].Name)
	assert.Equal(t, "chain v2", rules[2].Name)

	page = NewPagination(1, 20)
	rules, err = repo.ListLatest(ctx, &RuleFilter{RuleType: model.RuleTypeAlertThreshold}, page)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "alert", rules[0].Name)

	require.NoError(t, repo.Disable(ctx, first.ID))
	enabled := true
	page = NewPagination(1, 20)
	rules, err = repo.ListLatest(ctx, &RuleFilter{Enabled: &enabled}, page)
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func TestRuleRepository_ListEnabledAndFingerprint(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRuleRepository(db)
	ctx := context.Background()

	empty, err := repo.Fingerprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0:0", empty)

	require.NoError(t, repo.Create(ctx, newTestRule("b", 20)))
	require.NoError(t, repo.Create(ctx, newTestRule("a", 10)))

	rules, err := repo.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "a", rules[0].Name)

	fp, err := repo.Fingerprint(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, empty, fp)

	require.NoError(t, repo.Disable(ctx, rules[0].ID))
	changed, err := repo.Fingerprint(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, fp, changed)

	assert.ErrorIs(t, repo.Disable(ctx, "missing"), ErrRuleNotFound)
}

func TestMatchLogRepository_ListByRule(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMatchLogRepository(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(ctx, &model.RuleMatchLog{
			RuleID:          "r-1",
			UserID:          "u-1",
			EventType:       "booking.created",
			Matched:         i%2 == 0,
			ContextSnapshot: model.JSONMap{"score": 10 + i},
			CreatedAt:       int64(1000 + i),
		}))
	}
	require.NoError(t, repo.Create(ctx, &model.RuleMatchLog{RuleID: "r-2", UserID: "u-1", EventType: "x"}))

	entries, err := repo.ListByRule(ctx, "r-1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1002), entries[0].CreatedAt)
	assert.EqualValues(t, 12, entries[0].ContextSnapshot["score"])
}
