package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
)

// ScoreRepository 风险评分仓储
type ScoreRepository struct {
	*Repository
}

// NewScoreRepository 创建评分仓储
func NewScoreRepository(db *gorm.DB) *ScoreRepository {
	return &ScoreRepository{Repository: NewRepository(db)}
}

// Latest 用户最新评分, 没有评分返回 nil
func (r *ScoreRepository) Latest(ctx context.Context, userID string) (*model.RiskScore, error) {
	var score model.RiskScore
	err := r.DB(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&score).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &score, nil
}

// Create 追加评分
func (r *ScoreRepository) Create(ctx context.Context, score *model.RiskScore) error {
	if score.ID == "" {
		score.ID = newID()
	}
	if score.CreatedAt == 0 {
		score.CreatedAt = time.Now().UnixMilli()
	}
	return r.DB(ctx).Create(score).Error
}

// LatestPerUser 最近活跃用户各自的最新评分
func (r *ScoreRepository) LatestPerUser(ctx context.Context, limit int) ([]*model.RiskScore, error) {
	if limit <= 0 {
		limit = 100
	}
	latest := r.DB(ctx).Model(&model.RiskScore{}).
		Select("user_id, MAX(created_at) AS created_at").
		Group("user_id")

	var scores []*model.RiskScore
	err := r.DB(ctx).
		Table("risk_scores AS rs").
		Select("rs.*").
		Joins("JOIN (?) AS latest ON latest.user_id = rs.user_id AND latest.created_at = rs.created_at", latest).
		Order("rs.created_at DESC").
		Limit(limit * 2).
		Find(&scores).Error
	if err != nil {
		return nil, err
	}

	// 同一毫秒的多条评分只保留一条
	seen := make(map[string]struct{}, len(scores))
	out := make([]*model.RiskScore, 0, limit)
	for _, s := range scores {
		if _, ok := seen[s.UserID]; ok {
			continue
		}
		seen[s.UserID] = struct{}{}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// SignalRepository 行为信号仓储
type SignalRepository struct {
	*Repository
}

// NewSignalRepository 创建信号仓储
func NewSignalRepository(db *gorm.DB) *SignalRepository {
	return &SignalRepository{Repository: NewRepository(db)}
}

// Recent 时间窗口内的最近信号, 从新到旧
func (r *SignalRepository) Recent(ctx context.Context, userID string, since time.Time, limit int) ([]*model.RiskSignal, error) {
	var signals []*model.RiskSignal
	err := r.DB(ctx).
		Where("user_id = ? AND created_at >= ?", userID, since.UnixMilli()).
		Order("created_at DESC").
		Limit(limit).
		Find(&signals).Error
	return signals, err
}

// CountSince 时间窗口内信号数
func (r *SignalRepository) CountSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.RiskSignal{}).
		Where("user_id = ? AND created_at >= ?", userID, since.UnixMilli()).
		Count(&count).Error
	return count, err
}

// Create 写入信号
func (r *SignalRepository) Create(ctx context.Context, signal *model.RiskSignal) error {
	if signal.ID == "" {
		signal.ID = newID()
	}
	if signal.CreatedAt == 0 {
		signal.CreatedAt = time.Now().UnixMilli()
	}
	return r.DB(ctx).Create(signal).Error
}
