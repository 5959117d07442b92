package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/middleware"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/service"
)

// AlertHandler 告警与订阅
type AlertHandler struct {
	alerting      *service.AlertingEngine
	subscriptions *service.SubscriptionService
}

// NewAlertHandler 创建告警处理器
func NewAlertHandler(alerting *service.AlertingEngine, subscriptions *service.SubscriptionService) *AlertHandler {
	return &AlertHandler{alerting: alerting, subscriptions: subscriptions}
}

// List 告警列表, 支持 status/priority/user_id/source 过滤
// @Router /admin/v1/alerts [get]
func (h *AlertHandler) List(c *gin.Context) {
	filter := &repository.AlertFilter{
		Status:   model.AlertStatus(c.Query("status")),
		Priority: model.AlertPriority(c.Query("priority")),
		UserID:   c.Query("user_id"),
		Source:   c.Query("source"),
	}

	page := pagination(c)
	alerts, err := h.alerting.ListAlerts(c.Request.Context(), filter, page)
	if err != nil {
		Error(c, err)
		return
	}
	SuccessPaged(c, alerts, page)
}

// Get 告警详情
// @Router /admin/v1/alerts/{id} [get]
func (h *AlertHandler) Get(c *gin.Context) {
	alert, err := h.alerting.GetAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, alert)
}

// CreateSubscription 创建订阅
// @Router /admin/v1/alerts/subscriptions [post]
func (h *AlertHandler) CreateSubscription(c *gin.Context) {
	var in service.SubscriptionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		BadRequest(c, "invalid request body")
		return
	}

	sub, err := h.subscriptions.Create(c.Request.Context(), middleware.GetActor(c), &in)
	if err != nil {
		Error(c, err)
		return
	}
	Created(c, sub)
}

// ListSubscriptions 当前管理员的订阅
// @Router /admin/v1/alerts/subscriptions [get]
func (h *AlertHandler) ListSubscriptions(c *gin.Context) {
	subs, err := h.subscriptions.List(c.Request.Context(), middleware.GetActor(c))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, subs)
}

// DisableSubscription 停用订阅
// @Router /admin/v1/alerts/subscriptions/{id} [delete]
func (h *AlertHandler) DisableSubscription(c *gin.Context) {
	if err := h.subscriptions.Disable(c.Request.Context(), middleware.GetActor(c), c.Param("id")); err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"id": c.Param("id"), "enabled": false})
}
