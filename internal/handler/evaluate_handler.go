package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/service"
)

// Evaluator 同步决策
type Evaluator interface {
	Evaluate(ctx context.Context, req *service.EvaluateRequest) *service.EvaluateResponse
}

// EvaluateHandler 决策接口
type EvaluateHandler struct {
	pipeline Evaluator
}

// NewEvaluateHandler 创建决策处理器
func NewEvaluateHandler(pipeline Evaluator) *EvaluateHandler {
	return &EvaluateHandler{pipeline: pipeline}
}

// Evaluate 同步决策. 请求合法时总能得到决策结果
//
// 决策结果直接作为响应体返回, 不套 {code,message,data}; 错误仍走统一错误体
// @Router /api/v1/evaluate [post]
func (h *EvaluateHandler) Evaluate(c *gin.Context) {
	var req service.EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		Error(c, err)
		return
	}

	c.JSON(http.StatusOK, h.pipeline.Evaluate(c.Request.Context(), &req))
}
