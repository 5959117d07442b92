package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
)

// recentWindow 近期处置统计窗口
const recentWindow = 30 * 24 * time.Hour

// EnforcementRepository 处置记录仓储
type EnforcementRepository struct {
	*Repository
}

// NewEnforcementRepository 创建处置记录仓储
func NewEnforcementRepository(db *gorm.DB) *EnforcementRepository {
	return &EnforcementRepository{Repository: NewRepository(db)}
}

// Create 写入处置记录
func (r *EnforcementRepository) Create(ctx context.Context, action *model.EnforcementAction) error {
	if action.ID == "" {
		action.ID = newID()
	}
	if action.CreatedAt == 0 {
		action.CreatedAt = time.Now().UnixMilli()
	}
	return r.DB(ctx).Create(action).Error
}

// GetByID 根据 ID 获取
func (r *EnforcementRepository) GetByID(ctx context.Context, id string) (*model.EnforcementAction, error) {
	var action model.EnforcementAction
	if err := r.DB(ctx).Where("id = ?", id).First(&action).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &action, nil
}

// History 聚合用户处置历史
//
// 生效中的限制: 未撤销, 类型满足 ActionType.IsRestriction, 且无截止时间或截止时间在未来.
// 影子模式记录同样计入.
func (r *EnforcementRepository) History(ctx context.Context, userID string, now time.Time) (*model.EnforcementHistory, error) {
	nowMs := now.UnixMilli()
	base := func() *gorm.DB {
		return r.DB(ctx).Model(&model.EnforcementAction{}).
			Where("user_id = ?", userID)
	}

	var total, recent, active int64
	if err := base().Count(&total).Error; err != nil {
		return nil, err
	}
	if err := base().Where("created_at >= ?", now.Add(-recentWindow).UnixMilli()).Count(&recent).Error; err != nil {
		return nil, err
	}
	err := base().
		Where("reversed_at IS NULL").
		Where("action_type IN ?", model.RestrictionTypes()).
		Where("effective_until IS NULL OR effective_until > ?", nowMs).
		Count(&active).Error
	if err != nil {
		return nil, err
	}

	history := &model.EnforcementHistory{
		TotalActions:         int(total),
		RecentActions:        int(recent),
		HasActiveRestriction: active > 0,
	}

	if total > 0 {
		var last model.EnforcementAction
		if err := base().Order("created_at DESC").First(&last).Error; err == nil {
			history.LastActionType = last.ActionType
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return history, nil
}

// CaseRepository 人工复核案件仓储
type CaseRepository struct {
	*Repository
}

// NewCaseRepository 创建案件仓储
func NewCaseRepository(db *gorm.DB) *CaseRepository {
	return &CaseRepository{Repository: NewRepository(db)}
}

// Create 创建案件
func (r *CaseRepository) Create(ctx context.Context, c *model.EscalationCase) error {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.Status == "" {
		c.Status = "open"
	}
	c.CreatedAt = time.Now().UnixMilli()
	return r.DB(ctx).Create(c).Error
}

// UserRepository 用户目录仓储
type UserRepository struct {
	*Repository
}

// NewUserRepository 创建用户仓储
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{Repository: NewRepository(db)}
}

// GetByID 获取用户, 不存在返回 nil
func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	if err := r.DB(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// UpdateStatus 更新用户状态
func (r *UserRepository) UpdateStatus(ctx context.Context, id string, status model.UserStatus) error {
	return r.DB(ctx).Model(&model.User{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now().UnixMilli(),
		}).Error
}
