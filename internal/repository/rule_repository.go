package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
)

var (
	ErrRuleNotFound   = errors.New("detection rule not found")
	ErrRuleNotCurrent = errors.New("detection rule is not the current version")
)

// maxVersionDepth 版本链遍历上限
const maxVersionDepth = 1000

// RuleFilter 规则列表过滤
type RuleFilter struct {
	RuleType model.RuleType
	Enabled  *bool
}

// RuleRepository 检测规则仓储
type RuleRepository struct {
	*Repository
}

// NewRuleRepository 创建检测规则仓储
func NewRuleRepository(db *gorm.DB) *RuleRepository {
	return &RuleRepository{Repository: NewRepository(db)}
}

// Create 创建规则
func (r *RuleRepository) Create(ctx context.Context, rule *model.DetectionRule) error {
	if rule.ID == "" {
		rule.ID = newID()
	}
	now := time.Now().UnixMilli()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if rule.Version == 0 {
		rule.Version = 1
	}
	return r.DB(ctx).Create(rule).Error
}

// GetByID 根据 ID 获取
func (r *RuleRepository) GetByID(ctx context.Context, id string) (*model.DetectionRule, error) {
	var rule model.DetectionRule
	err := r.DB(ctx).Where("id = ?", id).First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return &rule, nil
}

// ListLatest 列出每条版本链的最新版本
func (r *RuleRepository) ListLatest(ctx context.Context, filter *RuleFilter, page *Pagination) ([]*model.DetectionRule, error) {
	superseded := r.DB(ctx).Model(&model.DetectionRule{}).
		Select("previous_version_id").
		Where("previous_version_id IS NOT NULL")

	query := r.DB(ctx).Model(&model.DetectionRule{}).Where("id NOT IN (?)", superseded)
	if filter != nil {
		if filter.RuleType != "" {
			query = query.Where("rule_type = ?", filter.RuleType)
		}
		if filter.Enabled != nil {
			query = query.Where("enabled = ?", *filter.Enabled)
		}
	}

	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	var rules []*model.DetectionRule
	err := query.
		Order("priority ASC").
		Order("created_at DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&rules).Error
	return rules, err
}

// ListEnabled 所有启用规则, 按优先级升序
func (r *RuleRepository) ListEnabled(ctx context.Context) ([]*model.DetectionRule, error) {
	var rules []*model.DetectionRule
	err := r.DB(ctx).
		Where("enabled = ?", true).
		Order("priority ASC").
		Order("created_at ASC").
		Find(&rules).Error
	return rules, err
}

// Supersede 在一个事务内停用旧版本并插入新版本
//
// 停用使用 enabled=true 条件更新, 并发更新同一版本时只有一方成功.
func (r *RuleRepository) Supersede(ctx context.Context, current *model.DetectionRule, next *model.DetectionRule) error {
	return r.Transaction(ctx, func(ctx context.Context) error {
		result := r.DB(ctx).Model(&model.DetectionRule{}).
			Where("id = ? AND enabled = ?", current.ID, true).
			Updates(map[string]interface{}{
				"enabled":    false,
				"updated_at": time.Now().UnixMilli(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrRuleNotCurrent
		}

		prev := current.ID
		next.ID = newID()
		next.Version = current.Version + 1
		next.PreviousVersionID = &prev
		if err := r.Create(ctx, next); err != nil {
			if isDuplicateKeyError(err) {
				return ErrRuleNotCurrent
			}
			return err
		}
		return nil
	})
}

// Disable 软删除 (停用)
func (r *RuleRepository) Disable(ctx context.Context, id string) error {
	result := r.DB(ctx).Model(&model.DetectionRule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"enabled":    false,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// History 从指定版本沿 previous_version_id 回溯, 结果从新到旧
func (r *RuleRepository) History(ctx context.Context, id string) ([]*model.DetectionRule, error) {
	visited := make(map[string]struct{})
	var chain []*model.DetectionRule

	next := &id
	for next != nil {
		if _, seen := visited[*next]; seen {
			return nil, fmt.Errorf("rule version chain has a cycle at %s", *next)
		}
		if len(chain) >= maxVersionDepth {
			return nil, fmt.Errorf("rule version chain exceeds %d entries", maxVersionDepth)
		}
		visited[*next] = struct{}{}

		rule, err := r.GetByID(ctx, *next)
		if err != nil {
			if errors.Is(err, ErrRuleNotFound) && len(chain) > 0 {
				// 链上旧版本缺失, 到此为止
				break
			}
			return nil, err
		}
		chain = append(chain, rule)
		next = rule.PreviousVersionID
	}
	return chain, nil
}

// Fingerprint 启用规则集合的版本指纹, 用于增量重载
func (r *RuleRepository) Fingerprint(ctx context.Context) (string, error) {
	var row struct {
		Count     int64
		MaxUpdate int64
	}
	err := r.DB(ctx).Model(&model.DetectionRule{}).
		Select("COUNT(*) AS count, COALESCE(MAX(updated_at), 0) AS max_update").
		Where("enabled = ?", true).
		Scan(&row).Error
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d:%d", row.Count, row.MaxUpdate), nil
}

// MatchLogRepository 规则评估审计仓储
type MatchLogRepository struct {
	*Repository
}

// NewMatchLogRepository 创建规则评估审计仓储
func NewMatchLogRepository(db *gorm.DB) *MatchLogRepository {
	return &MatchLogRepository{Repository: NewRepository(db)}
}

// Create 追加一条评估记录
func (r *MatchLogRepository) Create(ctx context.Context, entry *model.RuleMatchLog) error {
	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().UnixMilli()
	}
	return r.DB(ctx).Create(entry).Error
}

// ListByRule 规则的评估记录, 从新到旧
func (r *MatchLogRepository) ListByRule(ctx context.Context, ruleID string, limit int) ([]*model.RuleMatchLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []*model.RuleMatchLog
	err := r.DB(ctx).
		Where("rule_id = ?", ruleID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
