package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
)

// ExecutionRepository 任务执行记录仓储
type ExecutionRepository struct {
	*Repository
}

// NewExecutionRepository 创建任务执行记录仓储
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{Repository: NewRepository(db)}
}

// Create 创建执行记录
func (r *ExecutionRepository) Create(ctx context.Context, exec *model.JobExecution) error {
	exec.CreatedAt = time.Now().UnixMilli()
	return r.DB(ctx).Create(exec).Error
}

// Update 更新执行记录
func (r *ExecutionRepository) Update(ctx context.Context, exec *model.JobExecution) error {
	return r.DB(ctx).Save(exec).Error
}

// History 任务执行历史, 从新到旧
func (r *ExecutionRepository) History(ctx context.Context, jobName string, limit int) ([]*model.JobExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	var execs []*model.JobExecution
	err := r.DB(ctx).
		Where("job_name = ?", jobName).
		Order("started_at DESC, id DESC").
		Limit(limit).
		Find(&execs).Error
	return execs, err
}

// Latest 最近一次执行, 没有记录时返回 nil
func (r *ExecutionRepository) Latest(ctx context.Context, jobName string) (*model.JobExecution, error) {
	execs, err := r.History(ctx, jobName, 1)
	if err != nil || len(execs) == 0 {
		return nil, err
	}
	return execs[0], nil
}

// MarkStaleRunningAsFailed 进程崩溃遗留的 running 记录标记为失败
func (r *ExecutionRepository) MarkStaleRunningAsFailed(ctx context.Context, threshold time.Duration) (int64, error) {
	now := time.Now()
	result := r.DB(ctx).
		Model(&model.JobExecution{}).
		Where("status = ? AND started_at < ?", model.JobStatusRunning, now.Add(-threshold).UnixMilli()).
		Updates(map[string]interface{}{
			"status":        model.JobStatusFailed,
			"finished_at":   now.UnixMilli(),
			"error_message": "stale running execution",
		})
	return result.RowsAffected, result.Error
}
