// Package service 提供处置执行, 告警, 同步决策与规则管理等业务服务
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

// AuditEntry 审计记录
type AuditEntry struct {
	Actor      string
	ActorType  string
	Action     string
	EntityType string
	EntityID   string
	Details    map[string]interface{}
}

func (e *AuditEntry) toModel() *model.AuditLog {
	actor := e.Actor
	if actor == "" {
		actor = model.ActorTypeSystem
	}
	return &model.AuditLog{
		Actor:      actor,
		ActorType:  e.ActorType,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Details:    model.JSONMap(e.Details),
		CreatedAt:  time.Now().UnixMilli(),
	}
}

// AuditService 审计日志服务
//
// 审计写入失败只记日志, 不影响主流程. Start 之后 Submit 走异步批量写入,
// 未启动时 Submit 同步写入.
type AuditService struct {
	repo *repository.AuditLogRepository

	// 异步写入
	mu        sync.Mutex
	running   bool
	logChan   chan *model.AuditLog
	batchSize int
	interval  time.Duration
	stopChan  chan struct{}
	done      chan struct{}
}

// NewAuditService 创建审计服务
func NewAuditService(repo *repository.AuditLogRepository) *AuditService {
	return &AuditService{
		repo:      repo,
		logChan:   make(chan *model.AuditLog, 10000),
		batchSize: 100,
		interval:  2 * time.Second,
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start 启动异步写入
func (s *AuditService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.processLogs(ctx)
	logger.Info("audit service started")
}

// Stop 停止并刷出缓冲
func (s *AuditService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	<-s.done
}

// Log 同步写入一条审计
func (s *AuditService) Log(ctx context.Context, entry *AuditEntry) {
	log := entry.toModel()
	if err := s.repo.Create(ctx, log); err != nil {
		logger.Error("write audit log failed",
			zap.String("action", log.Action),
			zap.String("entity_id", log.EntityID),
			zap.Error(err),
		)
	}
}

// Submit 提交审计, 异步写入
func (s *AuditService) Submit(ctx context.Context, entry *AuditEntry) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		s.Log(ctx, entry)
		return
	}

	select {
	case s.logChan <- entry.toModel():
	default:
		logger.Warn("audit log channel full, logging synchronously")
		s.Log(ctx, entry)
	}
}

// List 查询审计日志
func (s *AuditService) List(ctx context.Context, filter *repository.AuditLogFilter, page *repository.Pagination) ([]*model.AuditLog, error) {
	return s.repo.List(ctx, filter, page)
}

func (s *AuditService) processLogs(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	batch := make([]*model.AuditLog, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.saveLogs(batch)
		batch = make([]*model.AuditLog, 0, s.batchSize)
	}

	for {
		select {
		case <-ctx.Done():
			s.drain(&batch)
			flush()
			return
		case <-s.stopChan:
			s.drain(&batch)
			flush()
			return
		case log := <-s.logChan:
			batch = append(batch, log)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// drain 取出通道中剩余记录
func (s *AuditService) drain(batch *[]*model.AuditLog) {
	for {
		select {
		case log := <-s.logChan:
			*batch = append(*batch, log)
		default:
			return
		}
	}
}

func (s *AuditService) saveLogs(logs []*model.AuditLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.repo.BatchCreate(ctx, logs); err != nil {
		logger.Error("save audit logs failed", zap.Int("count", len(logs)), zap.Error(err))
	}
}
