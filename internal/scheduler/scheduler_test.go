package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/repository"
)

type fakeJob struct {
	BaseJob
	fn    func(ctx context.Context) (*JobResult, error)
	calls int64
}

func newFakeJob(name string, lockTTL time.Duration, fn func(ctx context.Context) (*JobResult, error)) *fakeJob {
	return &fakeJob{BaseJob: NewBaseJob(name, 5*time.Second, lockTTL), fn: fn}
}

func (j *fakeJob) Execute(ctx context.Context) (*JobResult, error) {
	atomic.AddInt64(&j.calls, 1)
	if j.fn != nil {
		return j.fn(ctx)
	}
	return &JobResult{ProcessedCount: 1, AffectedCount: 1}, nil
}

func (j *fakeJob) Calls() int64 { return atomic.LoadInt64(&j.calls) }

func setupScheduler(t *testing.T) (*Scheduler, *repository.ExecutionRepository, *miniredis.Miniredis) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&model.JobExecution{}))
	t.Cleanup(func() { sqlDB.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	execRepo := repository.NewExecutionRepository(db)
	return NewScheduler(&Config{MaxConcurrentJobs: 2, RedisClient: client}, execRepo), execRepo, mr
}

func TestScheduler_RegisterJob(t *testing.T) {
	s, _, _ := setupScheduler(t)

	require.NoError(t, s.RegisterJob(newFakeJob("a", 0, nil), JobConfig{Cron: "*/5 * * * * *", Enabled: true}))
	require.NoError(t, s.RegisterJob(newFakeJob("b", 0, nil), JobConfig{Cron: "*/5 * * * * *", Enabled: false}))
	assert.Error(t, s.RegisterJob(newFakeJob("a", 0, nil), JobConfig{Cron: "*/5 * * * * *", Enabled: true}), "duplicate")
	assert.Error(t, s.RegisterJob(newFakeJob("c", 0, nil), JobConfig{Cron: "not a cron", Enabled: true}))

	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Len(t, s.jobs, 2)
	assert.False(t, s.jobConfigs["b"].Enabled)
	assert.Len(t, s.cron.Entries(), 1)
}

func TestScheduler_ExecuteRecordsSuccess(t *testing.T) {
	s, execRepo, _ := setupScheduler(t)
	job := newFakeJob("ok", time.Minute, func(ctx context.Context) (*JobResult, error) {
		return &JobResult{ProcessedCount: 3, AffectedCount: 2, Details: map[string]interface{}{"batch": 50}}, nil
	})

	s.executeJob(job)

	exec, err := execRepo.Latest(context.Background(), "ok")
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, model.JobStatusSuccess, exec.Status)
	require.NotNil(t, exec.FinishedAt)
	assert.EqualValues(t, 3, exec.Result["processed_count"])
	assert.EqualValues(t, 50, exec.Result["batch"])
}

func TestScheduler_ExecuteRecordsFailureAndPanic(t *testing.T) {
	s, execRepo, _ := setupScheduler(t)
	ctx := context.Background()

	s.executeJob(newFakeJob("boom", 0, func(ctx context.Context) (*JobResult, error) {
		return nil, errors.New("store unavailable")
	}))
	exec, err := execRepo.Latest(ctx, "boom")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, exec.Status)
	require.NotNil(t, exec.ErrorMessage)
	assert.Equal(t, "store unavailable", *exec.ErrorMessage)

	s.executeJob(newFakeJob("panic", 0, func(ctx context.Context) (*JobResult, error) {
		panic("nil alert")
	}))
	exec, err = execRepo.Latest(ctx, "panic")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, exec.Status)
	assert.Contains(t, *exec.ErrorMessage, "nil alert")
}

func TestScheduler_LockHeldElsewhereSkips(t *testing.T) {
	s, execRepo, mr := setupScheduler(t)
	require.NoError(t, mr.Set(lockPrefix+"locked", "other-replica"))
	job := newFakeJob("locked", time.Minute, nil)

	s.executeJob(job)

	assert.Zero(t, job.Calls())
	exec, err := execRepo.Latest(context.Background(), "locked")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusSkipped, exec.Status)

	status, err := s.GetJobStatus(context.Background(), "locked")
	assert.Error(t, err, "unregistered job")
	assert.Nil(t, status)
}

func TestScheduler_LockReleasedAfterRun(t *testing.T) {
	s, _, mr := setupScheduler(t)
	job := newFakeJob("release", time.Minute, func(ctx context.Context) (*JobResult, error) {
		return &JobResult{}, nil
	})
	require.NoError(t, s.RegisterJob(job, JobConfig{Cron: "0 0 0 1 1 *", Enabled: true}))

	s.executeJob(job)
	assert.False(t, mr.Exists(lockPrefix+"release"))

	status, err := s.GetJobStatus(context.Background(), "release")
	require.NoError(t, err)
	assert.Equal(t, string(model.JobStatusSuccess), status.LastStatus)
	assert.False(t, status.IsLocked)
	assert.Len(t, s.ListJobStatus(context.Background()), 1)
}

func TestScheduler_TriggerJob(t *testing.T) {
	s, _, _ := setupScheduler(t)
	executed := make(chan struct{}, 1)
	job := newFakeJob("trigger", 0, func(ctx context.Context) (*JobResult, error) {
		executed <- struct{}{}
		return &JobResult{}, nil
	})
	require.NoError(t, s.RegisterJob(job, JobConfig{Cron: "0 0 0 1 1 *", Enabled: true}))

	s.Start()
	defer s.Stop()

	require.NoError(t, s.TriggerJob("trigger"))
	select {
	case <-executed:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not executed")
	}
	assert.Error(t, s.TriggerJob("missing"))
}

func TestScheduler_StartMarksStaleRunning(t *testing.T) {
	s, execRepo, _ := setupScheduler(t)
	ctx := context.Background()
	require.NoError(t, execRepo.Create(ctx, &model.JobExecution{
		JobName:   JobNameSLAEscalation,
		Status:    model.JobStatusRunning,
		StartedAt: time.Now().Add(-2 * time.Hour).UnixMilli(),
	}))

	s.Start()
	s.Stop()

	exec, err := execRepo.Latest(ctx, JobNameSLAEscalation)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, exec.Status)
}

func TestScheduler_History(t *testing.T) {
	s, execRepo, _ := setupScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterJob(newFakeJob("hist", 0, nil), JobConfig{Cron: "*/5 * * * * *", Enabled: false}))
	for i := 0; i < 3; i++ {
		require.NoError(t, execRepo.Create(ctx, &model.JobExecution{
			JobName:   "hist",
			Status:    model.JobStatusSuccess,
			StartedAt: time.Now().Add(time.Duration(i) * time.Minute).UnixMilli(),
		}))
	}

	execs, err := s.History(ctx, "hist", 2)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.GreaterOrEqual(t, execs[0].StartedAt, execs[1].StartedAt)

	_, err = s.History(ctx, "missing", 0)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobResult_ToJSONMap(t *testing.T) {
	var nilResult *JobResult
	assert.Nil(t, nilResult.ToJSONMap())

	m := (&JobResult{ProcessedCount: 10, ErrorCount: 1, Details: map[string]interface{}{"key": "value"}}).ToJSONMap()
	assert.Equal(t, 10, m["processed_count"])
	assert.Equal(t, 0, m["affected_count"])
	assert.Equal(t, 1, m["error_count"])
	assert.Equal(t, "value", m["key"])
}
