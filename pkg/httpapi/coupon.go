package httpapi

import (
	"platform-economy/services/coupon"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type validateCouponRequest struct {
	Code   string          `json:"code" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
	PlanID string          `json:"plan_id"`
}

func (h *Handler) validateCoupon(c *gin.Context) {
	var req validateCouponRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.coupon.ValidateCouponCode(c.Request.Context(), req.Code, actorID(c), req.Amount, req.PlanID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

type useCouponRequest struct {
	Code         string              `json:"code" binding:"required"`
	Subscription coupon.Subscription `json:"subscription"`
}

func (h *Handler) useCoupon(c *gin.Context) {
	var req useCouponRequest
	if !bind(c, &req) {
		return
	}
	usage, err := h.coupon.UseCouponCode(c.Request.Context(), req.Code, actorID(c), req.Subscription)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, usage)
}

func (h *Handler) createCoupon(c *gin.Context) {
	var req coupon.CreateCouponParams
	if !bind(c, &req) {
		return
	}
	cc, err := h.coupon.CreateCoupon(c.Request.Context(), actorID(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, cc)
}

func (h *Handler) getCoupon(c *gin.Context) {
	cc, err := h.coupon.GetCoupon(c.Request.Context(), c.Param("code"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, cc)
}

type setActiveRequest struct {
	IsActive *bool `json:"is_active" binding:"required"`
}

func (h *Handler) setCouponActive(c *gin.Context) {
	var req setActiveRequest
	if !bind(c, &req) {
		return
	}
	cc, err := h.coupon.SetCouponActive(c.Request.Context(), c.Param("code"), *req.IsActive)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, cc)
}

func (h *Handler) getCouponStats(c *gin.Context) {
	stats, err := h.coupon.GetCouponStats(c.Request.Context(), c.Param("code"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, stats)
}

func (h *Handler) reverseCouponUsage(c *gin.Context) {
	usage, err := h.coupon.ReverseCouponUsage(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, usage)
}
