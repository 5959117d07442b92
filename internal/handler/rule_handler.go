package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/middleware"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/service"
)

// RuleHandler 检测规则管理
type RuleHandler struct {
	rules *service.RuleService
}

// NewRuleHandler 创建规则处理器
func NewRuleHandler(rules *service.RuleService) *RuleHandler {
	return &RuleHandler{rules: rules}
}

// List 规则列表, 只含各链最新版本
// @Router /admin/v1/rules [get]
func (h *RuleHandler) List(c *gin.Context) {
	filter := &repository.RuleFilter{RuleType: model.RuleType(c.Query("rule_type"))}
	if v := c.Query("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			BadRequest(c, "enabled must be a boolean")
			return
		}
		filter.Enabled = &enabled
	}

	page := pagination(c)
	rules, err := h.rules.List(c.Request.Context(), filter, page)
	if err != nil {
		Error(c, err)
		return
	}
	SuccessPaged(c, rules, page)
}

// Get 规则详情
// @Router /admin/v1/rules/{id} [get]
func (h *RuleHandler) Get(c *gin.Context) {
	rule, err := h.rules.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, rule)
}

// Create 创建规则
// @Router /admin/v1/rules [post]
func (h *RuleHandler) Create(c *gin.Context) {
	var in service.RuleInput
	if err := c.ShouldBindJSON(&in); err != nil {
		BadRequest(c, "invalid request body")
		return
	}

	rule, err := h.rules.Create(c.Request.Context(), middleware.GetActor(c), &in)
	if err != nil {
		Error(c, err)
		return
	}
	Created(c, rule)
}

// Update 更新规则, 生成新版本并停用旧版本
// @Router /admin/v1/rules/{id} [put]
func (h *RuleHandler) Update(c *gin.Context) {
	var in service.RuleInput
	if err := c.ShouldBindJSON(&in); err != nil {
		BadRequest(c, "invalid request body")
		return
	}

	rule, err := h.rules.Update(c.Request.Context(), middleware.GetActor(c), c.Param("id"), &in)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, rule)
}

// Delete 软删除 (停用) 规则
// @Router /admin/v1/rules/{id} [delete]
func (h *RuleHandler) Delete(c *gin.Context) {
	if err := h.rules.Disable(c.Request.Context(), middleware.GetActor(c), c.Param("id")); err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"id": c.Param("id"), "enabled": false})
}

// Test 对近期用户样本试运行规则, 不执行任何动作
// @Router /admin/v1/rules/{id}/test [post]
func (h *RuleHandler) Test(c *gin.Context) {
	result, err := h.rules.Test(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, result)
}

// History 版本链, 从新到旧
// @Router /admin/v1/rules/{id}/history [get]
func (h *RuleHandler) History(c *gin.Context) {
	chain, err := h.rules.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, chain)
}

// Matches 命中日志
// @Router /admin/v1/rules/{id}/matches [get]
func (h *RuleHandler) Matches(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	logs, err := h.rules.Matches(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, logs)
}
