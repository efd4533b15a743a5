package httpapi

import (
	"platform-economy/pkg/config"
	"platform-economy/pkg/health"
	"platform-economy/pkg/middleware"
	"platform-economy/services/apikey"
	"platform-economy/services/commission"
	"platform-economy/services/coupon"
	"platform-economy/services/ledger"
	"platform-economy/services/referral"
	"platform-economy/services/reward"
	"platform-economy/services/statistics"

	"github.com/casbin/casbin/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		middleware.NewEnforcer,
		NewHandler,
		NewEngine,
	),
)

type Handler struct {
	ledger     *ledger.Service
	reward     *reward.Service
	referral   *referral.Service
	coupon     *coupon.Service
	commission *commission.Service
	statistics *statistics.Service
	apikeys    *apikey.Service
}

type HandlerParams struct {
	fx.In
	Ledger     *ledger.Service
	Reward     *reward.Service
	Referral   *referral.Service
	Coupon     *coupon.Service
	Commission *commission.Service
	Statistics *statistics.Service
	APIKeys    *apikey.Service
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		ledger:     p.Ledger,
		reward:     p.Reward,
		referral:   p.Referral,
		coupon:     p.Coupon,
		commission: p.Commission,
		statistics: p.Statistics,
		apikeys:    p.APIKeys,
	}
}

type EngineParams struct {
	fx.In
	Config   *config.Config
	Handler  *Handler
	Health   health.HealthService
	Enforcer *casbin.Enforcer
	Tracer   trace.TracerProvider
}

func NewEngine(p EngineParams) *gin.Engine {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware(),
		middleware.Tracing(p.Tracer),
		middleware.Error(),
	)

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limiter := middleware.NewRateLimiter(p.Config.Server.RateLimit, p.Config.Server.RateBurst)
	api := r.Group("/api/v1",
		middleware.ResolveActor(p.Handler.keyVerifier()),
		middleware.RateLimit(limiter),
		middleware.Authorize(p.Enforcer),
	)
	p.Handler.Register(api)
	return r
}

func (h *Handler) keyVerifier() middleware.KeyVerifier {
	if h.apikeys == nil {
		return nil
	}
	return h.verifyKey
}

// Register mounts every route under g.
func (h *Handler) Register(g *gin.RouterGroup) {
	me := g.Group("/me")
	me.GET("/balance", h.getBalance)
	me.GET("/transactions", h.listTransactions)
	me.GET("/statistics", h.getMyStatistics)
	me.GET("/referral-code", h.getReferralCode)
	me.GET("/referral-stats", h.getReferralStats)
	me.GET("/commissions", h.getMyCommissions)

	g.GET("/rewards/options", h.listRedemptionOptions)
	g.POST("/rewards/redeem", h.redeem)
	g.POST("/referrals/apply", h.applyReferralCode)
	g.POST("/coupons/validate", h.validateCoupon)
	g.POST("/coupons/use", h.useCoupon)

	admin := g.Group("/admin")
	admin.POST("/rewards/award", h.awardCoins)
	admin.POST("/rewards/spend", h.spendCoins)
	admin.POST("/rewards/options", h.createRedemptionOption)
	admin.GET("/ledger/:user_id/transactions", h.listUserTransactions)
	admin.GET("/ledger/:user_id/verify", h.verifyChain)
	admin.POST("/ledger/:user_id/reconcile", h.reconcile)
	admin.POST("/referrals/:user_id/check", h.checkReferral)
	admin.POST("/referrals/:user_id/activation", h.recordActivation)
	admin.POST("/coupons", h.createCoupon)
	admin.GET("/coupons/:code", h.getCoupon)
	admin.PATCH("/coupons/:code", h.setCouponActive)
	admin.GET("/coupons/:code/stats", h.getCouponStats)
	admin.POST("/coupons/usages/:id/reverse", h.reverseCouponUsage)
	admin.POST("/commissions", h.createPayment)
	admin.GET("/commissions/pending", h.pendingPayments)
	admin.GET("/commissions/statistics", h.paymentStatistics)
	admin.POST("/commissions/bulk-process", h.bulkProcess)
	admin.GET("/commissions/partners/:partner_id", h.paymentHistory)
	admin.GET("/commissions/:id", h.getPayment)
	admin.POST("/commissions/:id/process", h.processPayment)
	admin.POST("/commissions/:id/paid", h.markAsPaid)
	admin.POST("/commissions/:id/failed", h.markAsFailed)
	admin.POST("/commissions/:id/resubmit", h.resubmitPayment)
	admin.GET("/statistics/overview", h.overview)
	admin.POST("/api-keys", h.issueAPIKey)
	admin.GET("/api-keys", h.listAPIKeys)
	admin.POST("/api-keys/:id/revoke", h.revokeAPIKey)
}
