package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
)

// AuditLogFilter 审计日志过滤
type AuditLogFilter struct {
	Action     string
	EntityType string
	EntityID   string
	StartTime  int64
	EndTime    int64
}

// AuditLogRepository 审计日志仓储, 只追加
type AuditLogRepository struct {
	*Repository
}

// NewAuditLogRepository 创建审计日志仓储
func NewAuditLogRepository(db *gorm.DB) *AuditLogRepository {
	return &AuditLogRepository{Repository: NewRepository(db)}
}

// Create 写入一条审计日志
func (r *AuditLogRepository) Create(ctx context.Context, log *model.AuditLog) error {
	if log.CreatedAt == 0 {
		log.CreatedAt = time.Now().UnixMilli()
	}
	return r.DB(ctx).Create(log).Error
}

// BatchCreate 批量写入
func (r *AuditLogRepository) BatchCreate(ctx context.Context, logs []*model.AuditLog) error {
	if len(logs) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	for _, l := range logs {
		if l.CreatedAt == 0 {
			l.CreatedAt = now
		}
	}
	return r.DB(ctx).CreateInBatches(logs, 100).Error
}

// List 分页查询审计日志
func (r *AuditLogRepository) List(ctx context.Context, filter *AuditLogFilter, page *Pagination) ([]*model.AuditLog, error) {
	query := r.DB(ctx).Model(&model.AuditLog{})
	if filter != nil {
		if filter.Action != "" {
			query = query.Where("action = ?", filter.Action)
		}
		if filter.EntityType != "" {
			query = query.Where("entity_type = ?", filter.EntityType)
		}
		if filter.EntityID != "" {
			query = query.Where("entity_id = ?", filter.EntityID)
		}
		if filter.StartTime > 0 {
			query = query.Where("created_at >= ?", filter.StartTime)
		}
		if filter.EndTime > 0 {
			query = query.Where("created_at < ?", filter.EndTime)
		}
	}

	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	var logs []*model.AuditLog
	err := query.
		Order("id DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&logs).Error
	return logs, err
}
