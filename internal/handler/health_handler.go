package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/dto"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/service"
)

const healthCheckTimeout = 3 * time.Second

// HealthReporter 健康检查
type HealthReporter interface {
	Health(ctx context.Context) *service.HealthReport
}

// HealthHandler 健康检查
type HealthHandler struct {
	reporter HealthReporter
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(reporter HealthReporter) *HealthHandler {
	return &HealthHandler{reporter: reporter}
}

// Live 存活探针
func (h *HealthHandler) Live(c *gin.Context) {
	Success(c, gin.H{"status": "alive"})
}

// Health 依赖, 熔断器与开关状态. 降级时返回 503
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	report := h.reporter.Health(ctx)
	status := http.StatusOK
	if report.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, dto.NewSuccessResponse(report))
}
