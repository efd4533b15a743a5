package httpapi

import (
	"github.com/gin-gonic/gin"
)

func (h *Handler) getReferralCode(c *gin.Context) {
	code, err := h.referral.GetOrCreateReferralCode(c.Request.Context(), actorID(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, code)
}

func (h *Handler) getReferralStats(c *gin.Context) {
	stats, err := h.referral.GetReferralStats(c.Request.Context(), actorID(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, stats)
}

type applyReferralRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *Handler) applyReferralCode(c *gin.Context) {
	var req applyReferralRequest
	if !bind(c, &req) {
		return
	}
	ref, err := h.referral.ProcessReferralCode(c.Request.Context(), req.Code, actorID(c))
	if err != nil {
		fail(c, err)
		return
	}
	created(c, ref)
}

func (h *Handler) checkReferral(c *gin.Context) {
	res, err := h.referral.CheckReferralCompletion(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

type activationRequest struct {
	SubscriptionID string `json:"subscription_id" binding:"required"`
}

func (h *Handler) recordActivation(c *gin.Context) {
	var req activationRequest
	if !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	user := c.Param("user_id")
	if err := h.referral.RecordActivation(ctx, user, req.SubscriptionID); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"user_id": user, "subscription_id": req.SubscriptionID})
}
