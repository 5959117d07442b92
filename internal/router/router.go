// Package router 路由表
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/handler"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/middleware"
)

// Handlers 所有处理器. Jobs 为 nil 时不注册任务接口
type Handlers struct {
	Evaluate *handler.EvaluateHandler
	Rules    *handler.RuleHandler
	Alerts   *handler.AlertHandler
	Health   *handler.HealthHandler
	Jobs     *handler.JobHandler
}

// Auth 认证组件
type Auth struct {
	HMAC   *middleware.HMACVerifier
	Tokens *middleware.TokenValidator
}

// New 创建 gin 引擎并注册路由
func New(h *Handlers, auth *Auth) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Logger(), middleware.Metrics())
	SetupRouter(r, h, auth)
	return r
}

// SetupRouter 设置路由
func SetupRouter(r *gin.Engine, h *Handlers, auth *Auth) {
	r.GET("/health", h.Health.Health)
	r.GET("/health/live", h.Health.Live)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 同步决策, HMAC 或 Bearer
	api := r.Group("/api/v1")
	api.Use(middleware.DualAuth(auth.HMAC, auth.Tokens))
	{
		api.POST("/evaluate", h.Evaluate.Evaluate)
	}

	admin := r.Group("/admin/v1")
	admin.Use(middleware.AdminAuth(auth.Tokens))
	{
		rules := admin.Group("/rules")
		{
			rules.GET("", middleware.RequirePermission(middleware.PermRulesView), h.Rules.List)
			rules.GET("/:id", middleware.RequirePermission(middleware.PermRulesView), h.Rules.Get)
			rules.GET("/:id/history", middleware.RequirePermission(middleware.PermRulesView), h.Rules.History)
			rules.GET("/:id/matches", middleware.RequirePermission(middleware.PermRulesView), h.Rules.Matches)
			rules.POST("", middleware.RequirePermission(middleware.PermRulesManage), h.Rules.Create)
			rules.PUT("/:id", middleware.RequirePermission(middleware.PermRulesManage), h.Rules.Update)
			rules.DELETE("/:id", middleware.RequirePermission(middleware.PermRulesManage), h.Rules.Delete)
			rules.POST("/:id/test", middleware.RequirePermission(middleware.PermRulesManage), h.Rules.Test)
		}

		alerts := admin.Group("/alerts")
		{
			alerts.GET("", middleware.RequirePermission(middleware.PermAlertsView), h.Alerts.List)
			alerts.GET("/subscriptions", middleware.RequirePermission(middleware.PermAlertsView), h.Alerts.ListSubscriptions)
			alerts.POST("/subscriptions", middleware.RequirePermission(middleware.PermAlertsManage), h.Alerts.CreateSubscription)
			alerts.DELETE("/subscriptions/:id", middleware.RequirePermission(middleware.PermAlertsManage), h.Alerts.DisableSubscription)
			alerts.GET("/:id", middleware.RequirePermission(middleware.PermAlertsView), h.Alerts.Get)
		}

		if h.Jobs != nil {
			jobs := admin.Group("/jobs")
			{
				jobs.GET("", middleware.RequirePermission(middleware.PermAlertsView), h.Jobs.List)
				jobs.GET("/:name/executions", middleware.RequirePermission(middleware.PermAlertsView), h.Jobs.Executions)
				jobs.POST("/:name/trigger", middleware.RequirePermission(middleware.PermAlertsManage), h.Jobs.Trigger)
			}
		}
	}
}
