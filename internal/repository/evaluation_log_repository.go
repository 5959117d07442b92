package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
)

// EvaluationLogRepository 决策日志仓储
type EvaluationLogRepository struct {
	*Repository
}

// NewEvaluationLogRepository 创建决策日志仓储
func NewEvaluationLogRepository(db *gorm.DB) *EvaluationLogRepository {
	return &EvaluationLogRepository{Repository: NewRepository(db)}
}

// Create 写入决策日志
func (r *EvaluationLogRepository) Create(ctx context.Context, entry *model.EvaluationLog) error {
	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().UnixMilli()
	}
	return r.DB(ctx).Create(entry).Error
}

// ListByUser 用户的决策日志, 从新到旧
func (r *EvaluationLogRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*model.EvaluationLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []*model.EvaluationLog
	err := r.DB(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
