package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richardliu001/payout-ledger/internal/config"
	"go.uber.org/zap"
)

func NewRouter(svc Services, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if rl.RPS > 0 {
		r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	}
	RegisterHandlers(r, svc, log)
	return r
}

func RegisterHandlers(r *gin.Engine, svc Services, log *zap.SugaredLogger) {
	v1 := r.Group("/v1")
	{
		v1.POST("/webhooks/gateway", gatewayWebhookHandler(svc, log))
		v1.GET("/transactions/:id", transactionHandler(svc, log))
		v1.POST("/transactions/:id/refund", refundHandler(svc, log))
		v1.GET("/payouts/:id", payoutHandler(svc, log))
	}

	tenant := v1.Group("/tenants/:tenant", TenantScope(log))
	{
		tenant.GET("/balance", balanceHandler(svc, log))
		tenant.GET("/transactions", historyHandler(svc, log))
		tenant.GET("/payouts", payoutsHandler(svc, log))
		tenant.GET("/audit/verify", verifyHandler(svc, log))
		tenant.GET("/commission", quoteHandler(svc, log))
	}

	admin := v1.Group("", AdminOnly())
	{
		admin.POST("/tenants/:tenant/payouts/schedule", scheduleHandler(svc, log))
		admin.POST("/payouts/:id/result", payoutResultHandler(svc, log))
		admin.POST("/payouts/:id/abandon", abandonHandler(svc, log))
		admin.GET("/audit/:subject/:id", auditHistoryHandler(svc, log))
		admin.POST("/commission-rules", createRuleHandler(svc, log))
	}
}
