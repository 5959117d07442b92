// Package scheduler 提供单实例互斥的定时任务调度
package scheduler

import (
	"context"
	"time"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
)

// Job 任务接口
type Job interface {
	// Name 任务名称, 同时作为分布式锁 key
	Name() string
	// Execute 执行一次
	Execute(ctx context.Context) (*JobResult, error)
	// Timeout 单次执行超时
	Timeout() time.Duration
	// LockTTL 分布式锁 TTL, 0 表示不加锁
	LockTTL() time.Duration
}

// JobResult 任务执行结果
type JobResult struct {
	ProcessedCount int
	AffectedCount  int
	ErrorCount     int
	Details        map[string]interface{}
}

// ToJSONMap 转换为执行记录的 result 字段
func (r *JobResult) ToJSONMap() model.JSONMap {
	if r == nil {
		return nil
	}
	result := model.JSONMap{
		"processed_count": r.ProcessedCount,
		"affected_count":  r.AffectedCount,
		"error_count":     r.ErrorCount,
	}
	for k, v := range r.Details {
		result[k] = v
	}
	return result
}

// BaseJob 通用属性, 供具体任务内嵌
type BaseJob struct {
	name    string
	timeout time.Duration
	lockTTL time.Duration
}

// NewBaseJob 创建基础任务
func NewBaseJob(name string, timeout, lockTTL time.Duration) BaseJob {
	return BaseJob{name: name, timeout: timeout, lockTTL: lockTTL}
}

func (j BaseJob) Name() string           { return j.name }
func (j BaseJob) Timeout() time.Duration { return j.timeout }
func (j BaseJob) LockTTL() time.Duration { return j.lockTTL }

// JobConfig 调度配置
type JobConfig struct {
	Cron    string
	Enabled bool
}

// 任务名称
const (
	JobNameSLAEscalation = "sla-escalation"
)
