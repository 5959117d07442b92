// Package handler 提供 HTTP 处理器
package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/dto"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/repository"
	bizerr "github.com/eidos-exchange/eidos/eidos-trust/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// Created 创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(data))
}

// SuccessPaged 分页响应
func SuccessPaged(c *gin.Context, items interface{}, page *repository.Pagination) {
	c.JSON(http.StatusOK, dto.NewPagedResponse(items, page.Total, page.Page, page.PageSize))
}

// Error 错误响应, 状态码取自业务错误. 5xx 记录原始错误
func Error(c *gin.Context, err error) {
	status := bizerr.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	_ = c.Error(err)
	c.JSON(status, dto.NewErrorResponse(err))
}

// BadRequest 参数错误
func BadRequest(c *gin.Context, message string) {
	Error(c, bizerr.ErrInvalidRequest.WithMessage(message))
}

// pagination 解析 page/limit 查询参数, 非法值回落到默认
func pagination(c *gin.Context) *repository.Pagination {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	p := repository.NewPagination(page, limit)
	p.Offset()
	return p
}
