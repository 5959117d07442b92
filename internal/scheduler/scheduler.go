package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/lock"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

const (
	lockPrefix = "eidos:trust:job:lock:"
	// 进程崩溃后遗留的 running 记录超过此时长视为失败
	staleRunningThreshold = time.Hour
)

// ErrJobNotFound 任务未注册
var ErrJobNotFound = errors.New("job not found")

// Scheduler 任务调度器
//
// 同一任务在进程内由 SkipIfStillRunning 保证不重叠, 跨副本由 Redis 锁保证.
type Scheduler struct {
	cron          *cron.Cron
	redis         redis.UniversalClient
	locker        *lock.RedisLocker
	execRepo      *repository.ExecutionRepository
	jobs          map[string]Job
	jobConfigs    map[string]JobConfig
	mu            sync.RWMutex
	maxConcurrent int
	running       chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config 调度器配置
type Config struct {
	MaxConcurrentJobs int
	RedisClient       redis.UniversalClient
}

// NewScheduler 创建调度器
func NewScheduler(cfg *Config, execRepo *repository.ExecutionRepository) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}

	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{})),
		),
		redis:         cfg.RedisClient,
		locker:        lock.NewRedisLocker(cfg.RedisClient, lockPrefix, 0),
		execRepo:      execRepo,
		jobs:          make(map[string]Job),
		jobConfigs:    make(map[string]JobConfig),
		maxConcurrent: maxConcurrent,
		running:       make(chan struct{}, maxConcurrent),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// RegisterJob 注册任务
func (s *Scheduler) RegisterJob(job Job, config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}

	s.jobs[job.Name()] = job
	s.jobConfigs[job.Name()] = config

	if !config.Enabled {
		logger.Info("job registered but disabled", zap.String("job", job.Name()))
		return nil
	}

	if _, err := s.cron.AddFunc(config.Cron, func() { s.executeJob(job) }); err != nil {
		delete(s.jobs, job.Name())
		delete(s.jobConfigs, job.Name())
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	logger.Info("job registered",
		zap.String("job", job.Name()),
		zap.String("cron", config.Cron),
	)
	return nil
}

// Start 启动调度器
func (s *Scheduler) Start() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if n, err := s.execRepo.MarkStaleRunningAsFailed(ctx, staleRunningThreshold); err != nil {
		logger.Warn("failed to mark stale executions", zap.Error(err))
	} else if n > 0 {
		logger.Info("marked stale executions as failed", zap.Int64("count", n))
	}

	s.cron.Start()
	logger.Info("scheduler started")
}

// Stop 停止调度器, 等待正在执行的任务结束
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	logger.Info("scheduler stopped")
}

// TriggerJob 手动触发任务
func (s *Scheduler) TriggerJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}

	go s.executeJob(job)
	return nil
}

// executeJob 执行任务
func (s *Scheduler) executeJob(job Job) {
	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		logger.Warn("max concurrent jobs reached, skipping", zap.String("job", job.Name()))
		s.recordSkipped(job.Name(), "max concurrent jobs reached")
		return
	}

	select {
	case <-s.ctx.Done():
		return
	default:
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout())
	defer cancel()

	if job.LockTTL() > 0 {
		l := s.locker.NewLockWithTTL(job.Name(), job.LockTTL())
		acquired, err := l.Acquire(ctx)
		if err != nil {
			logger.Error("failed to acquire job lock",
				zap.String("job", job.Name()),
				zap.Error(err),
			)
			s.recordFailed(job.Name(), "failed to acquire lock: "+err.Error())
			return
		}
		if !acquired {
			logger.Debug("job is running on another instance", zap.String("job", job.Name()))
			s.recordSkipped(job.Name(), "job is running on another instance")
			return
		}
		stop := s.watchdog(ctx, l, job.LockTTL())
		defer func() {
			stop()
			if err := l.Release(context.Background()); err != nil {
				logger.Warn("failed to release job lock",
					zap.String("job", job.Name()),
					zap.Error(err),
				)
			}
		}()
	}

	startTime := time.Now()
	exec := &model.JobExecution{
		JobName:   job.Name(),
		Status:    model.JobStatusRunning,
		StartedAt: startTime.UnixMilli(),
	}
	if err := s.execRepo.Create(ctx, exec); err != nil {
		logger.Error("failed to record job start",
			zap.String("job", job.Name()),
			zap.Error(err),
		)
	}

	logger.Info("starting job", zap.String("job", job.Name()))
	result, err := s.run(ctx, job)

	finishTime := time.Now()
	duration := finishTime.Sub(startTime)
	finishedAt := finishTime.UnixMilli()
	durationMs := duration.Milliseconds()
	exec.FinishedAt = &finishedAt
	exec.DurationMs = &durationMs

	if err != nil {
		exec.Status = model.JobStatusFailed
		errMsg := err.Error()
		exec.ErrorMessage = &errMsg
		logger.Error("job failed",
			zap.String("job", job.Name()),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
	} else {
		exec.Status = model.JobStatusSuccess
		exec.Result = result.ToJSONMap()
		logger.Info("job completed",
			zap.String("job", job.Name()),
			zap.Duration("duration", duration),
			zap.Any("result", exec.Result),
		)
	}
	metrics.RecordJobExecution(job.Name(), string(exec.Status), duration.Seconds())

	if exec.ID == 0 {
		return
	}
	if err := s.execRepo.Update(context.Background(), exec); err != nil {
		logger.Error("failed to update job execution",
			zap.String("job", job.Name()),
			zap.Error(err),
		)
	}
}

// run 执行任务体, panic 转为错误
func (s *Scheduler) run(ctx context.Context, job Job) (result *JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Execute(ctx)
}

// watchdog 在 TTL 的 1/3 处续期, 返回停止函数
func (s *Scheduler) watchdog(ctx context.Context, l *lock.RedisLock, ttl time.Duration) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := l.Extend(ctx, ttl); err != nil {
					logger.Warn("failed to renew job lock",
						zap.String("key", l.Key()),
						zap.Error(err),
					)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (s *Scheduler) recordSkipped(jobName, message string) {
	s.recordTerminal(jobName, model.JobStatusSkipped, message)
}

func (s *Scheduler) recordFailed(jobName, message string) {
	s.recordTerminal(jobName, model.JobStatusFailed, message)
}

// recordTerminal 记录未真正执行的终态记录
func (s *Scheduler) recordTerminal(jobName string, status model.JobStatus, message string) {
	now := time.Now().UnixMilli()
	var zero int64
	exec := &model.JobExecution{
		JobName:      jobName,
		Status:       status,
		StartedAt:    now,
		FinishedAt:   &now,
		DurationMs:   &zero,
		ErrorMessage: &message,
	}
	metrics.RecordJobExecution(jobName, string(status), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.execRepo.Create(ctx, exec); err != nil {
		logger.Error("failed to record job execution",
			zap.String("job", jobName),
			zap.Error(err),
		)
	}
}

// JobStatus 任务状态
type JobStatus struct {
	Name           string        `json:"name"`
	Enabled        bool          `json:"enabled"`
	Cron           string        `json:"cron"`
	Timeout        time.Duration `json:"timeout"`
	IsLocked       bool          `json:"is_locked"`
	LastStatus     string        `json:"last_status,omitempty"`
	LastStartedAt  int64         `json:"last_started_at,omitempty"`
	LastFinishedAt int64         `json:"last_finished_at,omitempty"`
	LastDurationMs int64         `json:"last_duration_ms,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
}

// GetJobStatus 获取任务状态
func (s *Scheduler) GetJobStatus(ctx context.Context, jobName string) (*JobStatus, error) {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	config := s.jobConfigs[jobName]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}

	lastExec, err := s.execRepo.Latest(ctx, jobName)
	if err != nil {
		return nil, err
	}

	status := &JobStatus{
		Name:    jobName,
		Enabled: config.Enabled,
		Cron:    config.Cron,
		Timeout: job.Timeout(),
	}
	if n, err := s.redis.Exists(ctx, lockPrefix+jobName).Result(); err == nil {
		status.IsLocked = n > 0
	}

	if lastExec != nil {
		status.LastStatus = string(lastExec.Status)
		status.LastStartedAt = lastExec.StartedAt
		if lastExec.FinishedAt != nil {
			status.LastFinishedAt = *lastExec.FinishedAt
		}
		if lastExec.DurationMs != nil {
			status.LastDurationMs = *lastExec.DurationMs
		}
		if lastExec.ErrorMessage != nil {
			status.LastError = *lastExec.ErrorMessage
		}
	}
	return status, nil
}

// ListJobStatus 列出所有任务状态
func (s *Scheduler) ListJobStatus(ctx context.Context) []*JobStatus {
	s.mu.RLock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.RUnlock()

	statuses := make([]*JobStatus, 0, len(names))
	for _, name := range names {
		status, err := s.GetJobStatus(ctx, name)
		if err != nil {
			logger.Error("failed to get job status",
				zap.String("job", name),
				zap.Error(err),
			)
			continue
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// History 任务执行历史
func (s *Scheduler) History(ctx context.Context, jobName string, limit int) ([]*model.JobExecution, error) {
	s.mu.RLock()
	_, exists := s.jobs[jobName]
	s.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}
	return s.execRepo.History(ctx, jobName, limit)
}

// cronLogger 将 cron 内部日志接到统一 logger, cron 使用 key/value 形式
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.S().Debugw("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.S().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
