package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/scheduler"
	bizerr "github.com/eidos-exchange/eidos/eidos-trust/pkg/errors"
)

// JobHandler 定时任务状态与手动触发
type JobHandler struct {
	scheduler *scheduler.Scheduler
}

// NewJobHandler 创建任务处理器
func NewJobHandler(s *scheduler.Scheduler) *JobHandler {
	return &JobHandler{scheduler: s}
}

// List 任务状态
// @Router /admin/v1/jobs [get]
func (h *JobHandler) List(c *gin.Context) {
	Success(c, h.scheduler.ListJobStatus(c.Request.Context()))
}

// Trigger 手动触发一次, 仍受分布式锁约束
// @Router /admin/v1/jobs/{name}/trigger [post]
func (h *JobHandler) Trigger(c *gin.Context) {
	name := c.Param("name")
	if err := h.scheduler.TriggerJob(name); err != nil {
		Error(c, bizerr.ErrNotFound.WithMessage(err.Error()))
		return
	}
	Success(c, gin.H{"job": name, "triggered": true})
}

// Executions 执行历史, limit 默认 20
// @Router /admin/v1/jobs/{name}/executions [get]
func (h *JobHandler) Executions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	execs, err := h.scheduler.History(c.Request.Context(), c.Param("name"), limit)
	if errors.Is(err, scheduler.ErrJobNotFound) {
		Error(c, bizerr.ErrNotFound.WithMessage(err.Error()))
		return
	}
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, execs)
}
