// Package jobs 定时任务实现
package jobs

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/scheduler"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/service"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

const defaultSLABatchSize = 50

// BreachedAlertLister 查询超时告警
type BreachedAlertLister interface {
	ListBreached(ctx context.Context, now time.Time, limit int) ([]*model.Alert, error)
}

// AlertEscalator 升级单条告警
type AlertEscalator interface {
	EscalateBreached(ctx context.Context, alert *model.Alert) (*service.EscalationResult, error)
}

// SLAEscalationJob SLA 超时升级任务
//
// 每轮按截止时间升序取一批超时且未到 critical 的告警, 逐条升级.
// 单条失败只记录, 不影响同批其余告警.
type SLAEscalationJob struct {
	scheduler.BaseJob
	alerts    BreachedAlertLister
	escalator AlertEscalator
	batchSize int
	now       func() time.Time
}

// NewSLAEscalationJob 创建 SLA 升级任务
func NewSLAEscalationJob(alerts BreachedAlertLister, escalator AlertEscalator, batchSize int, timeout time.Duration) *SLAEscalationJob {
	if batchSize <= 0 {
		batchSize = defaultSLABatchSize
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &SLAEscalationJob{
		// 锁 TTL 略长于超时, 保证执行期间其他副本拿不到锁
		BaseJob:   scheduler.NewBaseJob(scheduler.JobNameSLAEscalation, timeout, timeout+30*time.Second),
		alerts:    alerts,
		escalator: escalator,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Execute 执行一轮升级
func (j *SLAEscalationJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	breached, err := j.alerts.ListBreached(ctx, j.now(), j.batchSize)
	if err != nil {
		return nil, err
	}

	result := &scheduler.JobResult{
		ProcessedCount: len(breached),
		Details:        map[string]interface{}{"batch_size": j.batchSize},
	}
	if len(breached) == 0 {
		return result, nil
	}

	skipped := 0
	for _, alert := range breached {
		if err := ctx.Err(); err != nil {
			logger.Warn("sla escalation interrupted",
				zap.Int("escalated", result.AffectedCount),
				zap.Int("remaining", len(breached)-result.AffectedCount-result.ErrorCount-skipped),
			)
			break
		}

		escalation, err := j.escalator.EscalateBreached(ctx, alert)
		if errors.Is(err, repository.ErrAlertAlreadyEscalated) {
			skipped++
			continue
		}
		if err != nil {
			result.ErrorCount++
			logger.Error("failed to escalate alert",
				zap.String("alert_id", alert.ID),
				zap.String("priority", string(alert.Priority)),
				zap.Error(err),
			)
			continue
		}

		result.AffectedCount++
		logger.Info("alert sla escalated",
			zap.String("alert_id", alert.ID),
			zap.String("from", string(escalation.From)),
			zap.String("to", string(escalation.To)),
			zap.String("child_alert_id", escalation.Child.ID),
		)
	}
	result.Details["skipped"] = skipped

	if result.AffectedCount > 0 || result.ErrorCount > 0 {
		logger.Info("sla escalation round finished",
			zap.Int("breached", len(breached)),
			zap.Int("escalated", result.AffectedCount),
			zap.Int("failed", result.ErrorCount),
			zap.Int("skipped", skipped),
		)
	}
	return result, nil
}
